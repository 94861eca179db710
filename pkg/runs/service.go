package runs

import (
	"context"
	"time"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/history"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// Service implements the run lifecycle: snapshot creation, the run state
// machine, bulk status updates, aggregation and the retest workflow.
type Service interface {
	CreateRun(ctx context.Context, req CreateRunRequest) (*CreateRunResult, error)
	GetRun(ctx context.Context, runID int64, projectID *int64) (*store.Run, error)
	ListRuns(ctx context.Context, projectID int64) ([]store.Run, error)

	LockRun(
		ctx context.Context, runID int64, projectID *int64, userID int64,
	) (*store.Run, error)
	ArchiveRun(ctx context.Context, runID int64, projectID *int64) (*store.Run, error)
	DeleteRun(ctx context.Context, runID int64, projectID *int64) error

	UpdateStatuses(
		ctx context.Context, req UpdateStatusesRequest,
	) (*UpdateStatusesResult, error)
	MarkPassedAsRetest(
		ctx context.Context, runID int64, projectID *int64, userID int64,
	) (*RetestResult, error)
	RemoveTests(ctx context.Context, req RemoveTestsRequest) (*RemoveTestsResult, error)

	RunsMetaInfo(
		ctx context.Context, runID int64, projectID *int64, groupBy string,
	) (*MetaInfo, error)
	ListRunTests(
		ctx context.Context, runID int64, projectID *int64, statuses []string,
	) ([]store.Membership, error)
	History(
		ctx context.Context, runID int64, projectID *int64, testID *int64,
	) ([]store.StatusHistory, error)
}

// ReportUploader stores archive reports.
type ReportUploader interface {
	UploadReport(ctx context.Context, name string, data []byte) error
}

// Options configures a Service.
type Options struct {
	// InsertBatchSize bounds the rows of one membership insert statement.
	InsertBatchSize int
	// HistoryMode selects how status history is written.
	HistoryMode string
	// Reports receives a JSON report of every archived run. Nil disables
	// archive reports.
	Reports ReportUploader
}

// Compile-time interface check.
var _ Service = (*service)(nil)

type service struct {
	log      logrus.FieldLogger
	store    store.Store
	recorder history.Recorder
	opts     Options
	now      func() time.Time
}

// NewService creates a run service.
func NewService(
	log logrus.FieldLogger,
	st store.Store,
	recorder history.Recorder,
	opts Options,
) Service {
	if opts.InsertBatchSize <= 0 {
		opts.InsertBatchSize = config.DefaultInsertBatchSize
	}

	if opts.HistoryMode == "" {
		opts.HistoryMode = config.HistoryModeSync
	}

	return &service{
		log:      log.WithField("component", "runs"),
		store:    st,
		recorder: recorder,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GetRun looks up a run, optionally scoped to a project.
func (s *service) GetRun(
	ctx context.Context, runID int64, projectID *int64,
) (*store.Run, error) {
	run, err := s.store.GetRun(ctx, runID, projectID)
	if err != nil {
		return nil, lookupError(runID, err)
	}

	return run, nil
}

// ListRuns returns the non-deleted runs of a project, newest first.
func (s *service) ListRuns(ctx context.Context, projectID int64) ([]store.Run, error) {
	runs, err := s.store.ListRuns(ctx, projectID)
	if err != nil {
		return nil, persistenceError("listing runs", err)
	}

	return runs, nil
}

// activeRun loads a run for mutation and rejects it unless it is Active.
// It must be called with the transaction-bound store.
func activeRun(
	ctx context.Context, tx store.Store, runID int64, projectID *int64,
) (*store.Run, error) {
	run, err := tx.GetRunForUpdate(ctx, runID, projectID)
	if err != nil {
		return nil, lookupError(runID, err)
	}

	if run.Status != store.RunStatusActive {
		return nil, &RunNotActiveError{RunID: runID, Status: run.Status}
	}

	return run, nil
}

// transactionalHistory reports whether history is written inside the
// membership transaction.
func (s *service) transactionalHistory() bool {
	return s.opts.HistoryMode == config.HistoryModeTransactional
}

// appendHistory writes entries inside tx when history is transactional.
func (s *service) appendHistory(
	ctx context.Context, tx store.Store, entries []store.StatusHistory,
) error {
	if !s.transactionalHistory() || len(entries) == 0 {
		return nil
	}

	if err := tx.AppendHistory(ctx, entries); err != nil {
		return persistenceError("appending status history", err)
	}

	return nil
}

// recordHistory hands committed changes to the recorder. It reports whether
// the entries were accepted; failures are logged with enough context to
// reconcile the audit trail.
func (s *service) recordHistory(
	ctx context.Context, runID int64, batchID string, entries []store.StatusHistory,
) bool {
	if s.transactionalHistory() || len(entries) == 0 {
		return true
	}

	if err := s.recorder.Record(context.WithoutCancel(ctx), entries); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"run_id":   runID,
			"batch_id": batchID,
			"entries":  len(entries),
		}).Error("Failed to record status history")

		return false
	}

	return true
}
