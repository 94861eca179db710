package runs

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// StatusItem is one requested status change. TestID is a pointer so a
// missing id can be told apart from id 0. A nil Comment falls back to the
// batch comment.
type StatusItem struct {
	TestID  *int64  `json:"testId"`
	Status  string  `json:"status"`
	Comment *string `json:"comment,omitempty"`
}

// UpdateStatusesRequest is a batch of status changes for one run.
type UpdateStatusesRequest struct {
	RunID     int64        `json:"runId"`
	ProjectID *int64       `json:"projectId,omitempty"`
	Items     []StatusItem `json:"items"`
	Comment   string       `json:"comment,omitempty"`
	UserID    int64        `json:"userId"`
}

// UpdateStatusesResult reports the applied changes and the rejected items.
// HistoryFailed is set when the audit entries for this batch could not be
// recorded after the memberships were updated.
type UpdateStatusesResult struct {
	UpdatedCount  int64     `json:"updatedCount"`
	Failures      []Failure `json:"failures"`
	BatchID       string    `json:"batchId"`
	HistoryFailed bool      `json:"historyFailed,omitempty"`
}

// UpdateStatuses applies a batch of status changes to the included
// memberships of an Active run. Invalid items are reported per item and
// never block the valid ones; a missing or non-Active run aborts the batch
// before anything is written.
func (s *service) UpdateStatuses(
	ctx context.Context, req UpdateStatusesRequest,
) (*UpdateStatusesResult, error) {
	if len(req.Items) == 0 {
		return nil, ErrEmptyBatch
	}

	updates, failures := partitionItems(req.Items, req.Comment)

	result := &UpdateStatusesResult{
		Failures: failures,
		BatchID:  uuid.NewString(),
	}

	now := s.now()

	var entries []store.StatusHistory

	err := s.store.InTx(ctx, func(tx store.Store) error {
		if _, err := activeRun(ctx, tx, req.RunID, req.ProjectID); err != nil {
			return err
		}

		if len(updates) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(updates))
		for _, u := range updates {
			ids = append(ids, u.TestID)
		}

		included, err := tx.MembershipTestIDs(ctx, req.RunID, store.MembershipFilter{
			TestIDs: ids,
		})
		if err != nil {
			return persistenceError("loading memberships", err)
		}

		inRun := make(map[int64]struct{}, len(included))
		for _, id := range included {
			inRun[id] = struct{}{}
		}

		applicable := make([]store.StatusUpdate, 0, len(included))

		for _, u := range updates {
			if _, ok := inRun[u.TestID]; !ok {
				result.Failures = append(result.Failures, Failure{
					TestID:  ptr(u.TestID),
					Reason:  ReasonNotInRun,
					Message: fmt.Sprintf("test %d is not included in run %d", u.TestID, req.RunID),
				})

				continue
			}

			applicable = append(applicable, u)
		}

		if len(applicable) == 0 {
			return nil
		}

		affected, err := tx.BulkUpdateStatus(ctx, req.RunID, applicable, req.UserID, now)
		if err != nil {
			return persistenceError("updating statuses", err)
		}

		if affected != int64(len(applicable)) {
			s.log.WithFields(logrus.Fields{
				"run_id":   req.RunID,
				"expected": len(applicable),
				"affected": affected,
			}).Warn("Status update affected an unexpected number of rows")
		}

		result.UpdatedCount = affected
		entries = historyEntries(req.RunID, applicable, req.UserID, now, result.BatchID)

		return s.appendHistory(ctx, tx, entries)
	})
	if err != nil {
		return nil, txError("updating statuses", err)
	}

	result.HistoryFailed = !s.recordHistory(ctx, req.RunID, result.BatchID, entries)

	s.log.WithFields(logrus.Fields{
		"run_id":   req.RunID,
		"batch_id": result.BatchID,
		"updated":  result.UpdatedCount,
		"failures": len(result.Failures),
	}).Debug("Statuses updated")

	return result, nil
}

// partitionItems validates batch items. It returns the accepted updates in
// first-seen order, keeping the last item for a repeated test id, and the
// rejected items.
func partitionItems(
	items []StatusItem, batchComment string,
) ([]store.StatusUpdate, []Failure) {
	var (
		failures = make([]Failure, 0)
		updates  = make([]store.StatusUpdate, 0, len(items))
		position = make(map[int64]int, len(items))
	)

	for _, item := range items {
		if item.TestID == nil {
			failures = append(failures, Failure{
				Reason:  ReasonMissingTestID,
				Message: "item has no test id",
			})

			continue
		}

		testID := *item.TestID

		status, ok := ParseStatus(item.Status)
		if !ok {
			failures = append(failures, Failure{
				TestID: ptr(testID),
				Reason: ReasonInvalidStatus,
				Message: fmt.Sprintf(
					"status %q is not one of: %s", item.Status, vocabulary(),
				),
			})

			continue
		}

		comment := batchComment
		if item.Comment != nil {
			comment = *item.Comment
		}

		update := store.StatusUpdate{TestID: testID, Status: status, Comment: comment}

		if i, seen := position[testID]; seen {
			failures = append(failures, Failure{
				TestID: ptr(testID),
				Reason: ReasonDuplicateTestID,
				Message: fmt.Sprintf(
					"status %s for test %d superseded by a later item",
					updates[i].Status, testID,
				),
			})
			updates[i] = update

			continue
		}

		position[testID] = len(updates)
		updates = append(updates, update)
	}

	return updates, failures
}

func historyEntries(
	runID int64,
	updates []store.StatusUpdate,
	userID int64,
	at time.Time,
	batchID string,
) []store.StatusHistory {
	entries := make([]store.StatusHistory, 0, len(updates))
	for _, u := range updates {
		entries = append(entries, store.StatusHistory{
			RunID:     runID,
			TestID:    u.TestID,
			Status:    u.Status,
			Comment:   u.Comment,
			UpdatedBy: userID,
			UpdatedAt: at,
			BatchID:   batchID,
		})
	}

	return entries
}

func ptr[T any](v T) *T {
	return &v
}
