package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ethpandaops/testoor/pkg/facet"
	"github.com/ethpandaops/testoor/pkg/runs"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load a test catalog fixture into the database",
	Long: `Reads a YAML fixture of project tests (and optionally runs to create from
them) and writes it to the configured database.`,
	RunE: runSeed,
}

var seedFile string

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().StringVar(&seedFile, "file", "", "Path to the YAML fixture file")

	if err := seedCmd.MarkFlagRequired("file"); err != nil {
		panic(err)
	}
}

// fixtures is the seed file layout.
type fixtures struct {
	Tests []testFixture `yaml:"tests"`
	Runs  []runFixture  `yaml:"runs"`
}

type testFixture struct {
	ProjectID  int64   `yaml:"project_id"`
	Title      string  `yaml:"title"`
	SectionID  int64   `yaml:"section_id"`
	SquadID    *int64  `yaml:"squad_id"`
	PlatformID int64   `yaml:"platform_id"`
	Status     string  `yaml:"status"`
	Labels     []int64 `yaml:"labels"`
}

type runFixture struct {
	ProjectID   int64           `yaml:"project_id"`
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	CreatedBy   int64           `yaml:"created_by"`
	Selection   facet.Selection `yaml:"selection"`
}

// loadFixtures parses and validates a seed file.
func loadFixtures(path string) (*fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture file: %w", err)
	}

	var f fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing fixture file: %w", err)
	}

	for i, t := range f.Tests {
		if t.ProjectID <= 0 {
			return nil, fmt.Errorf("tests[%d]: project_id is required", i)
		}

		if t.Title == "" {
			return nil, fmt.Errorf("tests[%d]: title is required", i)
		}

		switch t.Status {
		case "", store.TestStatusActive, store.TestStatusArchived, store.TestStatusDeleted:
		default:
			return nil, fmt.Errorf("tests[%d]: unknown status %q", i, t.Status)
		}
	}

	return &f, nil
}

// apply writes the fixtures through the store and run service.
func (f *fixtures) apply(
	ctx context.Context, st store.Store, svc runs.Service,
) ([]*runs.CreateRunResult, error) {
	for i, t := range f.Tests {
		test := &store.Test{
			ProjectID:  t.ProjectID,
			Title:      t.Title,
			SectionID:  t.SectionID,
			SquadID:    t.SquadID,
			PlatformID: t.PlatformID,
			Status:     t.Status,
		}

		if err := st.CreateTest(ctx, test, t.Labels); err != nil {
			return nil, fmt.Errorf("seeding tests[%d]: %w", i, err)
		}
	}

	results := make([]*runs.CreateRunResult, 0, len(f.Runs))

	for i, r := range f.Runs {
		res, err := svc.CreateRun(ctx, runs.CreateRunRequest{
			ProjectID:   r.ProjectID,
			Name:        r.Name,
			Description: r.Description,
			CreatedBy:   r.CreatedBy,
			Selection:   r.Selection,
		})
		if err != nil {
			return nil, fmt.Errorf("seeding runs[%d]: %w", i, err)
		}

		results = append(results, res)
	}

	return results, nil
}

func runSeed(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	f, err := loadFixtures(seedFile)
	if err != nil {
		return err
	}

	st, svc, stop, err := openService(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer stop()

	results, err := f.apply(cmd.Context(), st, svc)
	if err != nil {
		return err
	}

	for _, res := range results {
		log.WithFields(logrus.Fields{
			"run_id": res.RunID,
			"tests":  res.TestsAdded,
		}).Info("Run seeded")
	}

	log.WithFields(logrus.Fields{
		"tests": len(f.Tests),
		"runs":  len(results),
	}).Info("Fixtures loaded")

	return nil
}
