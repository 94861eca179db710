package runs_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/runs"
	"github.com/ethpandaops/testoor/pkg/store"
)

type failingAppender struct {
	mu    sync.Mutex
	calls int
}

func (a *failingAppender) AppendHistory(_ context.Context, _ []store.StatusHistory) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls++

	return errors.New("history table unavailable")
}

func TestUpdateStatuses_InvalidStatusDoesNotBlockBatch(t *testing.T) {
	f := setup(t, options{})
	ctx := context.Background()

	runID, ids := f.createRun(t, 2)

	res, err := f.service.UpdateStatuses(ctx, runs.UpdateStatusesRequest{
		RunID:  runID,
		Items:  items(ids[0], "Passed", ids[1], "Bogus"),
		UserID: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.UpdatedCount)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, runs.ReasonInvalidStatus, res.Failures[0].Reason)
	require.NotNil(t, res.Failures[0].TestID)
	assert.Equal(t, ids[1], *res.Failures[0].TestID)
	assert.Contains(t, res.Failures[0].Message, "InProgress")
	assert.NotEmpty(t, res.BatchID)
	assert.False(t, res.HistoryFailed)

	statuses := f.statuses(t, runID)
	assert.Equal(t, store.StatusPassed, statuses[ids[0]])
	assert.Equal(t, store.StatusUntested, statuses[ids[1]])

	entries, err := f.service.History(ctx, runID, nil, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ids[0], entries[0].TestID)
	assert.Equal(t, store.StatusPassed, entries[0].Status)
	assert.Equal(t, int64(3), entries[0].UpdatedBy)
	assert.Equal(t, res.BatchID, entries[0].BatchID)
}

func TestUpdateStatuses_ItemFailures(t *testing.T) {
	f := setup(t, options{})
	ctx := context.Background()

	runID, ids := f.createRun(t, 4)

	_, err := f.service.RemoveTests(ctx, runs.RemoveTestsRequest{
		RunID:   runID,
		TestIDs: []int64{ids[3]},
		UserID:  1,
	})
	require.NoError(t, err)

	comment := "flaky on arm"
	batch := []runs.StatusItem{
		{Status: "Passed"},
		{TestID: ptr(ids[0]), Status: "failed"},
		{TestID: ptr(ids[1]), Status: "Blocked", Comment: &comment},
		{TestID: ptr(ids[0]), Status: "PASSED"},
		{TestID: ptr(ids[3]), Status: "Passed"},
		{TestID: ptr[int64](999), Status: "Passed"},
	}

	res, err := f.service.UpdateStatuses(ctx, runs.UpdateStatusesRequest{
		RunID:   runID,
		Items:   batch,
		Comment: "nightly",
		UserID:  2,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(2), res.UpdatedCount)

	reasons := make(map[runs.FailureReason]int)
	for _, failure := range res.Failures {
		reasons[failure.Reason]++
	}

	assert.Equal(t, map[runs.FailureReason]int{
		runs.ReasonMissingTestID:   1,
		runs.ReasonDuplicateTestID: 1,
		runs.ReasonNotInRun:        2,
	}, reasons)

	statuses := f.statuses(t, runID)
	assert.Equal(t, store.StatusPassed, statuses[ids[0]])
	assert.Equal(t, store.StatusBlocked, statuses[ids[1]])
	assert.Equal(t, store.StatusUntested, statuses[ids[2]])

	memberships, err := f.service.ListRunTests(ctx, runID, nil, []string{"blocked"})
	require.NoError(t, err)
	require.Len(t, memberships, 1)
	assert.Equal(t, comment, memberships[0].Comment)
	assert.Equal(t, int64(1), memberships[0].Version)

	memberships, err = f.service.ListRunTests(ctx, runID, nil, []string{"Passed"})
	require.NoError(t, err)
	require.Len(t, memberships, 1)
	assert.Equal(t, "nightly", memberships[0].Comment)

	entries, err := f.service.History(ctx, runID, nil, nil)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestUpdateStatuses_EmptyBatch(t *testing.T) {
	f := setup(t, options{})

	runID, _ := f.createRun(t, 1)

	_, err := f.service.UpdateStatuses(context.Background(), runs.UpdateStatusesRequest{
		RunID: runID,
	})
	require.ErrorIs(t, err, runs.ErrEmptyBatch)
}

func TestUpdateStatuses_LockedRunRejected(t *testing.T) {
	f := setup(t, options{})
	ctx := context.Background()

	runID, ids := f.createRun(t, 2)

	_, err := f.service.LockRun(ctx, runID, nil, 1)
	require.NoError(t, err)

	_, err = f.service.UpdateStatuses(ctx, runs.UpdateStatusesRequest{
		RunID:  runID,
		Items:  items(ids[0], "Passed", ids[1], "Failed"),
		UserID: 1,
	})
	require.ErrorIs(t, err, runs.ErrRunNotActive)

	var notActive *runs.RunNotActiveError
	require.ErrorAs(t, err, &notActive)
	assert.Equal(t, store.RunStatusLocked, notActive.Status)

	for _, status := range f.statuses(t, runID) {
		assert.Equal(t, store.StatusUntested, status)
	}

	entries, err := f.service.History(ctx, runID, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUpdateStatuses_RunNotFound(t *testing.T) {
	f := setup(t, options{})

	runID, ids := f.createRun(t, 1)

	_, err := f.service.UpdateStatuses(context.Background(), runs.UpdateStatusesRequest{
		RunID:     runID,
		ProjectID: ptr[int64](42),
		Items:     items(ids[0], "Passed"),
	})
	require.ErrorIs(t, err, runs.ErrRunNotFound)
}

func TestUpdateStatuses_HistoryFailureIsReported(t *testing.T) {
	appender := &failingAppender{}
	f := setup(t, options{appender: appender})
	ctx := context.Background()

	runID, ids := f.createRun(t, 2)

	res, err := f.service.UpdateStatuses(ctx, runs.UpdateStatusesRequest{
		RunID:  runID,
		Items:  items(ids[0], "Passed", ids[1], "Failed"),
		UserID: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(2), res.UpdatedCount)
	assert.True(t, res.HistoryFailed)
	assert.Equal(t, 1, appender.calls)

	statuses := f.statuses(t, runID)
	assert.Equal(t, store.StatusPassed, statuses[ids[0]])
	assert.Equal(t, store.StatusFailed, statuses[ids[1]])
}

func TestUpdateStatuses_TransactionalHistory(t *testing.T) {
	appender := &failingAppender{}
	f := setup(t, options{
		historyMode: config.HistoryModeTransactional,
		appender:    appender,
	})
	ctx := context.Background()

	runID, ids := f.createRun(t, 3)

	res, err := f.service.UpdateStatuses(ctx, runs.UpdateStatusesRequest{
		RunID:  runID,
		Items:  items(ids[0], "Passed", ids[1], "Skipped", ids[2], "InProgress"),
		UserID: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.UpdatedCount)
	assert.False(t, res.HistoryFailed)

	// The recorder is bypassed; entries are committed with the memberships.
	assert.Zero(t, appender.calls)

	entries, err := f.service.History(ctx, runID, nil, ptr(ids[1]))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.StatusSkipped, entries[0].Status)
}

func TestRemoveTests(t *testing.T) {
	f := setup(t, options{})
	ctx := context.Background()

	runID, ids := f.createRun(t, 3)

	_, err := f.service.RemoveTests(ctx, runs.RemoveTestsRequest{RunID: runID})
	require.ErrorIs(t, err, runs.ErrEmptyBatch)

	res, err := f.service.RemoveTests(ctx, runs.RemoveTestsRequest{
		RunID:   runID,
		TestIDs: []int64{ids[0], ids[0], 999},
		UserID:  1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RemovedCount)

	info, err := f.service.RunsMetaInfo(ctx, runID, nil, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Total)

	_, err = f.service.LockRun(ctx, runID, nil, 1)
	require.NoError(t, err)

	_, err = f.service.RemoveTests(ctx, runs.RemoveTestsRequest{
		RunID:   runID,
		TestIDs: []int64{ids[1]},
	})
	require.ErrorIs(t, err, runs.ErrRunNotActive)
}

func TestListRunTests_InvalidStatus(t *testing.T) {
	f := setup(t, options{})

	runID, _ := f.createRun(t, 1)

	_, err := f.service.ListRunTests(context.Background(), runID, nil, []string{"Bogus"})
	require.ErrorIs(t, err, runs.ErrInvalidRequest)

	_, err = f.service.ListRunTests(context.Background(), 999, nil, nil)
	require.ErrorIs(t, err, runs.ErrRunNotFound)
}
