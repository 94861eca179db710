package runs

import (
	"errors"
	"fmt"

	"github.com/ethpandaops/testoor/pkg/facet"
	"github.com/ethpandaops/testoor/pkg/store"
)

var (
	// ErrEmptyFacet is returned when a facet is provided as an empty list.
	ErrEmptyFacet = facet.ErrEmptyFacet

	// ErrInvalidFilterType is returned for filter types other than and/or.
	ErrInvalidFilterType = facet.ErrInvalidFilterType

	// ErrNoMatchingTests is returned when a selection resolves to no tests.
	ErrNoMatchingTests = errors.New("no tests match the selection")

	// ErrRunNotActive is returned when mutating a run that is not Active.
	// The concrete error is a *RunNotActiveError.
	ErrRunNotActive = errors.New("run is not active")

	// ErrEmptyBatch is returned for status batches without items.
	ErrEmptyBatch = errors.New("batch has no items")

	// ErrRunNotFound is returned when the run does not exist in the project.
	ErrRunNotFound = errors.New("run not found")

	// ErrPersistence wraps failures of the underlying store.
	ErrPersistence = errors.New("persistence failure")

	// ErrInvalidTransition is returned for illegal run status transitions.
	ErrInvalidTransition = errors.New("invalid run status transition")

	// ErrInvalidGroupBy is returned for unsupported aggregation groupings.
	ErrInvalidGroupBy = errors.New("invalid group by")

	// ErrInvalidRequest is returned for malformed requests.
	ErrInvalidRequest = errors.New("invalid request")
)

// RunNotActiveError reports the status that blocked a mutation.
type RunNotActiveError struct {
	RunID  int64
	Status string
}

func (e *RunNotActiveError) Error() string {
	return fmt.Sprintf("run %d is %s", e.RunID, e.Status)
}

// Is makes errors.Is(err, ErrRunNotActive) match.
func (e *RunNotActiveError) Is(target error) bool {
	return target == ErrRunNotActive
}

// FailureReason classifies a rejected batch item.
type FailureReason string

// Per-item failure reasons.
const (
	ReasonMissingTestID   FailureReason = "MissingTestId"
	ReasonInvalidStatus   FailureReason = "InvalidStatus"
	ReasonNotInRun        FailureReason = "NotInRun"
	ReasonDuplicateTestID FailureReason = "DuplicateTestId"
)

// Failure is one rejected item of a batch. TestID is nil when the item
// had no test id.
type Failure struct {
	TestID  *int64        `json:"testId,omitempty"`
	Reason  FailureReason `json:"reason"`
	Message string        `json:"message,omitempty"`
}

// classified lists the errors returned to callers as-is.
var classified = []error{
	ErrPersistence,
	ErrNoMatchingTests,
	ErrRunNotActive,
	ErrEmptyBatch,
	ErrRunNotFound,
	ErrInvalidTransition,
	ErrInvalidGroupBy,
	ErrInvalidRequest,
	ErrEmptyFacet,
	ErrInvalidFilterType,
}

func persistenceError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// txError classifies an error returned from a transaction. Errors raised by
// the service inside the transaction pass through; anything else (commit or
// begin failures) is a persistence failure.
func txError(op string, err error) error {
	if err == nil {
		return nil
	}

	for _, target := range classified {
		if errors.Is(err, target) {
			return err
		}
	}

	return persistenceError(op, err)
}

// lookupError translates a run lookup failure.
func lookupError(runID int64, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrRunNotFound, runID)
	}

	return persistenceError("getting run", err)
}
