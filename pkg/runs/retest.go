package runs

import (
	"context"

	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RetestResult lists the tests moved from Passed to Retest.
type RetestResult struct {
	TestIDs       []int64 `json:"testIds"`
	UpdatedCount  int64   `json:"updatedCount"`
	BatchID       string  `json:"batchId"`
	HistoryFailed bool    `json:"historyFailed,omitempty"`
}

// MarkPassedAsRetest moves every included Passed membership of an Active run
// to Retest and audits each change. Calling it again returns no tests until
// something passes again.
func (s *service) MarkPassedAsRetest(
	ctx context.Context, runID int64, projectID *int64, userID int64,
) (*RetestResult, error) {
	result := &RetestResult{
		TestIDs: make([]int64, 0),
		BatchID: uuid.NewString(),
	}

	now := s.now()

	var entries []store.StatusHistory

	err := s.store.InTx(ctx, func(tx store.Store) error {
		if _, err := activeRun(ctx, tx, runID, projectID); err != nil {
			return err
		}

		ids, err := tx.MembershipTestIDs(ctx, runID, store.MembershipFilter{
			Statuses: []string{store.StatusPassed},
		})
		if err != nil {
			return persistenceError("loading passed memberships", err)
		}

		if len(ids) == 0 {
			return nil
		}

		// The run row is locked, so the selected ids are exactly the rows
		// this statement moves.
		affected, err := tx.TransitionAll(
			ctx, runID, store.StatusPassed, store.StatusRetest, userID, now,
		)
		if err != nil {
			return persistenceError("marking retest", err)
		}

		result.TestIDs = ids
		result.UpdatedCount = affected

		updates := make([]store.StatusUpdate, 0, len(ids))
		for _, id := range ids {
			updates = append(updates, store.StatusUpdate{
				TestID: id,
				Status: store.StatusRetest,
			})
		}

		entries = historyEntries(runID, updates, userID, now, result.BatchID)

		return s.appendHistory(ctx, tx, entries)
	})
	if err != nil {
		return nil, txError("marking retest", err)
	}

	result.HistoryFailed = !s.recordHistory(ctx, runID, result.BatchID, entries)

	s.log.WithFields(logrus.Fields{
		"run_id":   runID,
		"batch_id": result.BatchID,
		"updated":  result.UpdatedCount,
	}).Info("Passed tests marked as retest")

	return result, nil
}
