package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/andresmejia3/truthlens/internal/report"
	"github.com/andresmejia3/truthlens/internal/utils"
	"github.com/spf13/cobra"
)

var (
	reportInput  string
	reportOutput string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render a PDF report from a saved run result",
	Run: func(cmd *cobra.Command, args []string) {
		runReport(reportInput, reportOutput)
	},
}

func init() {
	reportCmd.Flags().StringVarP(&reportInput, "input", "i", "", "Run result JSON (as printed by analyze)")
	reportCmd.Flags().StringVarP(&reportOutput, "output", "o", "deepfake_report.pdf", "Output PDF path")
	reportCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(reportCmd)
}

func runReport(in, out string) {
	s, err := loadSummary(in)
	if err != nil {
		utils.Die("Failed to read run result", err, nil)
	}
	if err := renderReportFile(out, s); err != nil {
		utils.Die("Failed to render report", err, nil)
	}
	fmt.Fprintf(os.Stderr, "📄 Report written to %s\n", out)
}

func loadSummary(path string) (report.Summary, error) {
	var s report.Summary
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode %s: %w", path, err)
	}
	return s, nil
}
