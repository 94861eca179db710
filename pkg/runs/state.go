package runs

import (
	"context"
	"fmt"

	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// LockRun moves an Active run to Locked and records who locked it. Locked
// runs reject every membership mutation and cannot be unlocked.
func (s *service) LockRun(
	ctx context.Context, runID int64, projectID *int64, userID int64,
) (*store.Run, error) {
	var locked *store.Run

	err := s.store.InTx(ctx, func(tx store.Store) error {
		run, err := activeRun(ctx, tx, runID, projectID)
		if err != nil {
			return err
		}

		ok, err := tx.LockRun(ctx, runID, userID, s.now())
		if err != nil {
			return persistenceError("locking run", err)
		}

		if !ok {
			return &RunNotActiveError{RunID: runID, Status: run.Status}
		}

		locked, err = tx.GetRun(ctx, runID, projectID)
		if err != nil {
			return lookupError(runID, err)
		}

		return nil
	})
	if err != nil {
		return nil, txError("locking run", err)
	}

	s.log.WithFields(logrus.Fields{
		"run_id":  runID,
		"user_id": userID,
	}).Info("Run locked")

	return locked, nil
}

// ArchiveRun moves an Active or Locked run to Archived. When archive reports
// are enabled a JSON report of the run is uploaded afterwards.
func (s *service) ArchiveRun(
	ctx context.Context, runID int64, projectID *int64,
) (*store.Run, error) {
	run, err := s.transition(ctx, runID, projectID, store.RunStatusArchived)
	if err != nil {
		return nil, err
	}

	if s.opts.Reports != nil {
		s.publishReport(ctx, run)
	}

	return run, nil
}

// DeleteRun soft-deletes an Active or Locked run.
func (s *service) DeleteRun(
	ctx context.Context, runID int64, projectID *int64,
) error {
	_, err := s.transition(ctx, runID, projectID, store.RunStatusDeleted)

	return err
}

// transition moves a run to status `to` using a conditional write, so two
// concurrent transitions cannot both succeed.
func (s *service) transition(
	ctx context.Context, runID int64, projectID *int64, to string,
) (*store.Run, error) {
	var updated *store.Run

	err := s.store.InTx(ctx, func(tx store.Store) error {
		run, err := tx.GetRunForUpdate(ctx, runID, projectID)
		if err != nil {
			return lookupError(runID, err)
		}

		if !CanTransition(run.Status, to) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, run.Status, to)
		}

		ok, err := tx.UpdateRunStatus(ctx, runID, allowedFrom[to], to, s.now())
		if err != nil {
			return persistenceError("updating run status", err)
		}

		if !ok {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, run.Status, to)
		}

		updated, err = tx.GetRun(ctx, runID, projectID)
		if err != nil {
			return lookupError(runID, err)
		}

		return nil
	})
	if err != nil {
		return nil, txError("transitioning run", err)
	}

	s.log.WithFields(logrus.Fields{
		"run_id": runID,
		"status": to,
	}).Info("Run status changed")

	return updated, nil
}
