package runs

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/ethpandaops/testoor/pkg/store"
	"golang.org/x/sync/errgroup"
)

// GroupBySquads breaks aggregation down per squad.
const GroupBySquads = "squads"

// RunData is a zero-filled status breakdown.
type RunData struct {
	StatusCounts map[string]int64 `json:"statusCounts"`
	Total        int64            `json:"total"`
}

// SquadSummary is the breakdown of one squad. SquadID is nil for tests
// without a squad.
type SquadSummary struct {
	SquadID *int64  `json:"squadId"`
	RunData RunData `json:"runData"`
}

// MetaInfo aggregates the included memberships of a run.
type MetaInfo struct {
	RunID        int64            `json:"runId"`
	StatusCounts map[string]int64 `json:"statusCounts"`
	Total        int64            `json:"total"`
	SquadData    []SquadSummary   `json:"squadData,omitempty"`
}

// RunsMetaInfo counts the included memberships of a run per status and,
// with groupBy "squads", per squad. The run is looked up first so an empty
// run is never confused with a missing one.
func (s *service) RunsMetaInfo(
	ctx context.Context, runID int64, projectID *int64, groupBy string,
) (*MetaInfo, error) {
	groupBy = strings.ToLower(strings.TrimSpace(groupBy))
	if groupBy != "" && groupBy != GroupBySquads {
		return nil, fmt.Errorf("%w: %q", ErrInvalidGroupBy, groupBy)
	}

	if _, err := s.GetRun(ctx, runID, projectID); err != nil {
		return nil, err
	}

	var (
		counts      []store.StatusCount
		squadCounts []store.SquadStatusCount
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error

		counts, err = s.store.CountByStatus(gctx, runID)
		if err != nil {
			return persistenceError("counting statuses", err)
		}

		return nil
	})

	if groupBy == GroupBySquads {
		g.Go(func() error {
			var err error

			squadCounts, err = s.store.CountBySquadAndStatus(gctx, runID)
			if err != nil {
				return persistenceError("counting statuses by squad", err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	info := &MetaInfo{RunID: runID}

	data := newRunData()
	for _, c := range counts {
		data.add(c.Status, c.Count)
	}

	info.StatusCounts = data.StatusCounts
	info.Total = data.Total

	if groupBy == GroupBySquads {
		info.SquadData = summarizeSquads(squadCounts)
	}

	return info, nil
}

func newRunData() RunData {
	counts := make(map[string]int64, len(store.Statuses))
	for _, status := range store.Statuses {
		counts[status] = 0
	}

	return RunData{StatusCounts: counts}
}

func (d *RunData) add(status string, n int64) {
	d.StatusCounts[status] += n
	d.Total += n
}

// summarizeSquads collapses (squad, status) rows into one summary per
// squad, unassigned first and then by squad id.
func summarizeSquads(rows []store.SquadStatusCount) []SquadSummary {
	var (
		unassigned *RunData
		bySquad    = make(map[int64]*RunData)
	)

	for _, row := range rows {
		var data *RunData

		if row.SquadID == nil {
			if unassigned == nil {
				d := newRunData()
				unassigned = &d
			}

			data = unassigned
		} else {
			data = bySquad[*row.SquadID]
			if data == nil {
				d := newRunData()
				data = &d
				bySquad[*row.SquadID] = data
			}
		}

		data.add(row.Status, row.Count)
	}

	summaries := make([]SquadSummary, 0, len(bySquad)+1)
	if unassigned != nil {
		summaries = append(summaries, SquadSummary{RunData: *unassigned})
	}

	ids := make([]int64, 0, len(bySquad))
	for id := range bySquad {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	for _, id := range ids {
		summaries = append(summaries, SquadSummary{
			SquadID: ptr(id),
			RunData: *bySquad[id],
		})
	}

	return summaries
}
