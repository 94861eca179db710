package runs_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/testoor/pkg/runs"
	"github.com/ethpandaops/testoor/pkg/store"
)

// seedLargeRun inserts an Active run with n memberships in the given status
// directly through the store.
func (f *fixture) seedLargeRun(t *testing.T, n int, status string) (int64, []int64) {
	t.Helper()

	ctx := context.Background()

	run := &store.Run{
		ProjectID: projectID,
		Name:      "nightly",
		Status:    store.RunStatusActive,
		CreatedBy: 7,
	}
	require.NoError(t, f.store.InsertRun(ctx, run))

	ids := make([]int64, 0, n)
	memberships := make([]store.Membership, 0, n)

	for i := 1; i <= n; i++ {
		ids = append(ids, int64(i))
		memberships = append(memberships, store.Membership{
			RunID:      run.ID,
			TestID:     int64(i),
			ProjectID:  projectID,
			IsIncluded: true,
			Status:     status,
		})
	}

	require.NoError(t, f.store.BulkInsertMemberships(ctx, memberships, 500))

	return run.ID, ids
}

func TestMarkPassedAsRetest_LargeRun(t *testing.T) {
	if testing.Short() {
		t.Skip("large run")
	}

	f := setup(t, options{})
	ctx := context.Background()

	const n = 40000

	runID, ids := f.seedLargeRun(t, n, store.StatusPassed)

	res, err := f.service.MarkPassedAsRetest(ctx, runID, ptr(projectID), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(n), res.UpdatedCount)
	assert.Equal(t, ids, res.TestIDs)
	assert.False(t, res.HistoryFailed)

	info, err := f.service.RunsMetaInfo(ctx, runID, nil, "")
	require.NoError(t, err)
	assert.Equal(t, int64(n), info.StatusCounts[store.StatusRetest])
	assert.Zero(t, info.StatusCounts[store.StatusPassed])
}

func TestUpdateStatuses_LargeBatch(t *testing.T) {
	if testing.Short() {
		t.Skip("large run")
	}

	f := setup(t, options{})
	ctx := context.Background()

	const n = 40000

	runID, ids := f.seedLargeRun(t, n, store.StatusUntested)

	batch := make([]runs.StatusItem, 0, n)
	for _, id := range ids {
		batch = append(batch, runs.StatusItem{TestID: ptr(id), Status: "Passed"})
	}

	res, err := f.service.UpdateStatuses(ctx, runs.UpdateStatusesRequest{
		RunID:  runID,
		Items:  batch,
		UserID: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(n), res.UpdatedCount)
	assert.Empty(t, res.Failures)
	assert.False(t, res.HistoryFailed)

	info, err := f.service.RunsMetaInfo(ctx, runID, nil, "")
	require.NoError(t, err)
	assert.Equal(t, int64(n), info.StatusCounts[store.StatusPassed])
}

// Items spanning several write chunks keep their own status and comment.
func TestUpdateStatuses_SpansChunks(t *testing.T) {
	f := setup(t, options{})
	ctx := context.Background()

	const n = 2500

	runID, ids := f.seedLargeRun(t, n, store.StatusUntested)

	vocabulary := []string{"Passed", "Failed", "Blocked", "Skipped", "Retest"}
	want := make(map[int64]string, n)
	batch := make([]runs.StatusItem, 0, n+1)

	for i, id := range ids {
		status := vocabulary[i%len(vocabulary)]
		want[id] = status
		batch = append(batch, runs.StatusItem{
			TestID:  ptr(id),
			Status:  status,
			Comment: ptr(status + " by nightly"),
		})
	}

	batch = append(batch, runs.StatusItem{TestID: ptr(int64(n + 1)), Status: "Passed"})

	res, err := f.service.UpdateStatuses(ctx, runs.UpdateStatusesRequest{
		RunID:  runID,
		Items:  batch,
		UserID: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(n), res.UpdatedCount)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, runs.ReasonNotInRun, res.Failures[0].Reason)
	assert.Equal(t, int64(n+1), *res.Failures[0].TestID)

	memberships, err := f.store.SelectByRun(ctx, runID, store.MembershipFilter{})
	require.NoError(t, err)
	require.Len(t, memberships, n)

	for _, m := range memberships {
		assert.Equal(t, want[m.TestID], m.Status, "test %d", m.TestID)
		assert.Equal(t, want[m.TestID]+" by nightly", m.Comment, "test %d", m.TestID)
		assert.Equal(t, int64(1), m.Version, "test %d", m.TestID)
	}

	entries, err := f.service.History(ctx, runID, nil, nil)
	require.NoError(t, err)
	assert.Len(t, entries, n)
}

// A batch racing a lock either lands completely before the lock or is
// rejected without writing anything.
func TestUpdateStatuses_RacesLock(t *testing.T) {
	f := setup(t, options{})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		runID, ids := f.seedLargeRun(t, 50, store.StatusUntested)

		batch := make([]runs.StatusItem, 0, len(ids))
		for _, id := range ids {
			batch = append(batch, runs.StatusItem{TestID: ptr(id), Status: "Failed"})
		}

		var (
			wg        sync.WaitGroup
			updateErr error
			lockErr   error
			res       *runs.UpdateStatusesResult
		)

		wg.Add(2)

		go func() {
			defer wg.Done()

			res, updateErr = f.service.UpdateStatuses(ctx, runs.UpdateStatusesRequest{
				RunID:  runID,
				Items:  batch,
				UserID: 1,
			})
		}()

		go func() {
			defer wg.Done()

			_, lockErr = f.service.LockRun(ctx, runID, nil, 2)
		}()

		wg.Wait()

		require.NoError(t, lockErr)

		run, err := f.service.GetRun(ctx, runID, nil)
		require.NoError(t, err)
		assert.Equal(t, store.RunStatusLocked, run.Status)

		got := f.statuses(t, runID)
		require.Len(t, got, len(ids))

		if updateErr != nil {
			require.True(t, errors.Is(updateErr, runs.ErrRunNotActive), updateErr)

			for id, status := range got {
				assert.Equal(t, store.StatusUntested, status, "test %d", id)
			}

			entries, err := f.service.History(ctx, runID, nil, nil)
			require.NoError(t, err)
			assert.Empty(t, entries)

			continue
		}

		assert.Equal(t, int64(len(ids)), res.UpdatedCount)

		for id, status := range got {
			assert.Equal(t, store.StatusFailed, status, "test %d", id)
		}
	}
}
