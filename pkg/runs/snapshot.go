package runs

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/ethpandaops/testoor/pkg/facet"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// CreateRunRequest describes a new run and the tests it snapshots.
type CreateRunRequest struct {
	ProjectID   int64           `json:"projectId"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	CreatedBy   int64           `json:"createdBy"`
	Selection   facet.Selection `json:"selection"`
}

// CreateRunResult is the outcome of CreateRun.
type CreateRunResult struct {
	RunID      int64 `json:"runId"`
	TestsAdded int   `json:"testsAdded"`
}

// CreateRun inserts an Active run and snapshots every active project test
// matching the selection into it. The run and its memberships are written in
// one transaction; a selection matching nothing leaves no run behind.
func (s *service) CreateRun(
	ctx context.Context, req CreateRunRequest,
) (*CreateRunResult, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: run name is required", ErrInvalidRequest)
	}

	if req.ProjectID <= 0 {
		return nil, fmt.Errorf("%w: project id is required", ErrInvalidRequest)
	}

	pred, err := facet.Resolve(req.Selection)
	if err != nil {
		return nil, err
	}

	now := s.now()
	run := &store.Run{
		ProjectID:   req.ProjectID,
		Name:        name,
		Description: req.Description,
		Status:      store.RunStatusActive,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var added int

	err = s.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.InsertRun(ctx, run); err != nil {
			return persistenceError("inserting run", err)
		}

		ids, err := tx.TestsMatching(ctx, req.ProjectID, pred)
		if err != nil {
			return persistenceError("resolving tests", err)
		}

		slices.Sort(ids)
		ids = slices.Compact(ids)

		if len(ids) == 0 {
			return fmt.Errorf("%w: %s", ErrNoMatchingTests, pred)
		}

		memberships := make([]store.Membership, 0, len(ids))
		for _, id := range ids {
			memberships = append(memberships, store.Membership{
				RunID:      run.ID,
				TestID:     id,
				ProjectID:  req.ProjectID,
				IsIncluded: true,
				Status:     store.StatusUntested,
				UpdatedAt:  now,
			})
		}

		if err := tx.BulkInsertMemberships(
			ctx, memberships, s.opts.InsertBatchSize,
		); err != nil {
			return persistenceError("inserting memberships", err)
		}

		added = len(memberships)

		return nil
	})
	if err != nil {
		return nil, txError("creating run", err)
	}

	s.log.WithFields(logrus.Fields{
		"run_id":     run.ID,
		"project_id": req.ProjectID,
		"tests":      added,
		"filter":     pred.String(),
	}).Info("Run created")

	return &CreateRunResult{RunID: run.ID, TestsAdded: added}, nil
}
