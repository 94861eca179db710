package runs

import (
	"context"
	"fmt"
	"slices"

	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// RemoveTestsRequest excludes tests from a run.
type RemoveTestsRequest struct {
	RunID     int64   `json:"runId"`
	ProjectID *int64  `json:"projectId,omitempty"`
	TestIDs   []int64 `json:"testIds"`
	UserID    int64   `json:"userId"`
}

// RemoveTestsResult reports how many memberships were excluded.
type RemoveTestsResult struct {
	RemovedCount int64 `json:"removedCount"`
}

// RemoveTests soft-removes tests from an Active run. Excluded memberships
// keep their rows but no longer count towards aggregation or accept status
// updates.
func (s *service) RemoveTests(
	ctx context.Context, req RemoveTestsRequest,
) (*RemoveTestsResult, error) {
	if len(req.TestIDs) == 0 {
		return nil, ErrEmptyBatch
	}

	ids := slices.Clone(req.TestIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	var removed int64

	err := s.store.InTx(ctx, func(tx store.Store) error {
		if _, err := activeRun(ctx, tx, req.RunID, req.ProjectID); err != nil {
			return err
		}

		var err error

		removed, err = tx.MarkExcluded(ctx, req.RunID, ids, req.UserID, s.now())
		if err != nil {
			return persistenceError("excluding tests", err)
		}

		return nil
	})
	if err != nil {
		return nil, txError("removing tests", err)
	}

	s.log.WithFields(logrus.Fields{
		"run_id":    req.RunID,
		"requested": len(ids),
		"removed":   removed,
	}).Info("Tests removed from run")

	return &RemoveTestsResult{RemovedCount: removed}, nil
}

// ListRunTests returns the included memberships of a run, optionally
// restricted to the given statuses.
func (s *service) ListRunTests(
	ctx context.Context, runID int64, projectID *int64, statuses []string,
) ([]store.Membership, error) {
	filter := store.MembershipFilter{}

	for _, raw := range statuses {
		status, ok := ParseStatus(raw)
		if !ok {
			return nil, fmt.Errorf(
				"%w: status %q is not one of: %s", ErrInvalidRequest, raw, vocabulary(),
			)
		}

		filter.Statuses = append(filter.Statuses, status)
	}

	if _, err := s.GetRun(ctx, runID, projectID); err != nil {
		return nil, err
	}

	memberships, err := s.store.SelectByRun(ctx, runID, filter)
	if err != nil {
		return nil, persistenceError("listing run tests", err)
	}

	return memberships, nil
}

// History returns the audit trail of a run, oldest first, optionally for a
// single test.
func (s *service) History(
	ctx context.Context, runID int64, projectID *int64, testID *int64,
) ([]store.StatusHistory, error) {
	if _, err := s.GetRun(ctx, runID, projectID); err != nil {
		return nil, err
	}

	entries, err := s.store.ListHistory(ctx, runID, testID)
	if err != nil {
		return nil, persistenceError("listing history", err)
	}

	return entries, nil
}
