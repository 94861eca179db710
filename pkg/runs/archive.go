package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// ArchiveReport is the document uploaded when a run is archived.
type ArchiveReport struct {
	Run         store.Run          `json:"run"`
	Meta        *MetaInfo          `json:"meta"`
	Memberships []store.Membership `json:"memberships"`
	GeneratedAt time.Time          `json:"generatedAt"`
}

// ReportName returns the object name of a run's archive report.
func ReportName(run *store.Run) string {
	return fmt.Sprintf("project-%d/run-%d.json", run.ProjectID, run.ID)
}

// buildReport assembles the archive report of a run.
func (s *service) buildReport(
	ctx context.Context, run *store.Run,
) (*ArchiveReport, error) {
	meta, err := s.RunsMetaInfo(ctx, run.ID, &run.ProjectID, GroupBySquads)
	if err != nil {
		return nil, err
	}

	memberships, err := s.store.SelectByRun(ctx, run.ID, store.MembershipFilter{
		IncludeExcluded: true,
	})
	if err != nil {
		return nil, persistenceError("loading memberships", err)
	}

	return &ArchiveReport{
		Run:         *run,
		Meta:        meta,
		Memberships: memberships,
		GeneratedAt: s.now(),
	}, nil
}

// publishReport uploads the archive report of a run. The run is already
// archived, so failures are logged and not returned.
func (s *service) publishReport(ctx context.Context, run *store.Run) {
	log := s.log.WithFields(logrus.Fields{
		"run_id":     run.ID,
		"project_id": run.ProjectID,
	})

	ctx = context.WithoutCancel(ctx)

	report, err := s.buildReport(ctx, run)
	if err != nil {
		log.WithError(err).Warn("Failed to build archive report")

		return
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.WithError(err).Warn("Failed to encode archive report")

		return
	}

	if err := s.opts.Reports.UploadReport(ctx, ReportName(run), data); err != nil {
		log.WithError(err).Warn("Failed to upload archive report")

		return
	}

	log.Info("Archive report published")
}
