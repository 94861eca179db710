package main

import (
	"fmt"
	"io"
	"os"

	"github.com/ethpandaops/testoor/pkg/runs"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print the status breakdown of a run",
	Long:  `Prints per-status counts of a run, broken down by squad, as a table.`,
	RunE:  runSummary,
}

var (
	summaryRunID     int64
	summaryProjectID int64
)

func init() {
	rootCmd.AddCommand(summaryCmd)
	summaryCmd.Flags().Int64Var(&summaryRunID, "run-id", 0, "Run id")
	summaryCmd.Flags().Int64Var(&summaryProjectID, "project-id", 0,
		"Project id the run must belong to (optional)")

	if err := summaryCmd.MarkFlagRequired("run-id"); err != nil {
		panic(err)
	}
}

func runSummary(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	_, svc, stop, err := openService(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer stop()

	var projectID *int64
	if summaryProjectID > 0 {
		projectID = &summaryProjectID
	}

	run, err := svc.GetRun(cmd.Context(), summaryRunID, projectID)
	if err != nil {
		return err
	}

	info, err := svc.RunsMetaInfo(cmd.Context(), summaryRunID, projectID, runs.GroupBySquads)
	if err != nil {
		return err
	}

	renderSummary(os.Stdout, run, info)

	return nil
}

// renderSummary writes one row per squad and a total row.
func renderSummary(w io.Writer, run *store.Run, info *runs.MetaInfo) {
	_, _ = fmt.Fprintf(w, "Run %d: %s (%s)\n", run.ID, run.Name, run.Status)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)

	header := table.Row{"Squad"}
	for _, status := range store.Statuses {
		header = append(header, status)
	}

	header = append(header, "Total")
	t.AppendHeader(header)

	for _, squad := range info.SquadData {
		name := "unassigned"
		if squad.SquadID != nil {
			name = fmt.Sprintf("%d", *squad.SquadID)
		}

		t.AppendRow(countsRow(name, squad.RunData.StatusCounts, squad.RunData.Total))
	}

	t.AppendFooter(countsRow("all", info.StatusCounts, info.Total))
	t.Render()
}

func countsRow(name string, counts map[string]int64, total int64) table.Row {
	row := table.Row{name}
	for _, status := range store.Statuses {
		row = append(row, counts[status])
	}

	return append(row, total)
}
