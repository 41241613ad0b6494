package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/triage"
	"github.com/opensource-finance/kestrel/internal/typology"
)

var detectCmd = &cobra.Command{
	Use:   "detect <caseID>",
	Short: "Run the typology catalog for a case and print the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		start := time.Now()
		result, err := a.orch.Run(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		digest := a.triage.Process(cmd.Context(), &triage.Input{
			CaseID:     result.CaseID,
			RunID:      result.RunID,
			Detections: result.Detections,
			Gaps:       result.Gaps(),
			StartTime:  start,
		})
		return printJSON(struct {
			Result  *typology.RunResult `json:"result"`
			Digest  *triage.Digest      `json:"digest"`
			Reasons []string            `json:"reasons"`
		}{result, digest, triage.Reasons(digest)})
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <caseID>",
	Short: "Print the heuristic summary of a case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		summary, err := a.analysis.RunAnalysis(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(summary)
	},
}

var networkCmd = &cobra.Command{
	Use:   "network <caseID>",
	Short: "Print the network report of a case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.analysis.NetworkReport(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var overwriteCatalog bool

var seedCmd = &cobra.Command{
	Use:   "seed-catalog",
	Short: "Store the built-in typology catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		catalog, err := typology.DefaultCatalog()
		if err != nil {
			return err
		}
		n, err := typology.Seed(cmd.Context(), a.repo, a.validator, catalog, overwriteCatalog)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%d of %d typologies written\n", n, len(catalog))
		return nil
	},
}

func init() {
	seedCmd.Flags().BoolVar(&overwriteCatalog, "overwrite", false, "replace typologies that already exist")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
