package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/truthlens/internal/pipeline"
	"github.com/andresmejia3/truthlens/internal/report"
	"github.com/andresmejia3/truthlens/internal/types"
	"github.com/andresmejia3/truthlens/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type analyzeOptions struct {
	Options
	InputPath  string
	JSONPath   string
	ReportPath string
}

var analyzeOpts analyzeOptions

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze a local video file and print the verdict",
	Run: func(cmd *cobra.Command, args []string) {
		runAnalyze(cmd.Context(), analyzeOpts)
	},
}

func init() {
	addAnalysisFlags(analyzeCmd, &analyzeOpts.Options)
	analyzeCmd.Flags().StringVarP(&analyzeOpts.InputPath, "input", "i", "", "Path to video")
	analyzeCmd.Flags().StringVar(&analyzeOpts.JSONPath, "json", "", "Write the run result JSON to this file instead of stdout")
	analyzeCmd.Flags().StringVarP(&analyzeOpts.ReportPath, "report", "r", "", "Also render a PDF report to this path")

	analyzeCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(ctx context.Context, opts analyzeOptions) {
	// No UI is watching the stream, so there is nothing to pace.
	opts.ProgressDelay = 0
	if err := validateOptions(&opts.Options); err != nil {
		utils.Die("Invalid flags", err, nil)
	}
	if _, err := os.Stat(opts.InputPath); err != nil {
		utils.Die("Cannot read input video", err, nil)
	}

	p, closer, err := buildPipeline(ctx, opts.Options, log)
	if err != nil {
		utils.Die("Failed to initialize analysis pipeline", err, nil)
	}
	defer closer.Close()

	res, err := pipeline.Adopt(opts.InputPath, log)
	if err != nil {
		utils.Die("Failed to open input video", err, nil)
	}
	fmt.Fprintf(os.Stderr, "📼 Processing Video: %s (sha256 %s)\n", res.Filename, res.SHA256[:12])

	start := time.Now()
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("🔍 TruthLens Analyzing"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	id, sha := res.ID, res.SHA256
	result, err := p.Run(ctx, res, func(ev pipeline.Event) error {
		trackProgress(bar, ev)
		return nil
	})
	bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "🛑 Analysis cancelled.")
			os.Exit(130)
		}
		utils.Die("Analysis failed", err, nil)
	}

	printVerdict(result, time.Since(start))

	if err := writeResult(opts.JSONPath, result); err != nil {
		utils.Die("Failed to write result", err, nil)
	}
	if opts.ReportPath != "" {
		if err := renderReportFile(opts.ReportPath, report.FromResult(*result)); err != nil {
			utils.Die("Failed to render report", err, nil)
		}
		fmt.Fprintf(os.Stderr, "📄 Report written to %s\n", opts.ReportPath)
	}

	if DB != nil {
		if err := DB.SaveRun(ctx, id, sha, result); err != nil {
			utils.ShowError("Failed to save run history", err, nil)
		} else {
			fmt.Fprintf(os.Stderr, "💾 Saved run %s\n", id)
		}
	}
}

// trackProgress moves the bar on window completions; other events go to the debug log.
func trackProgress(bar *progressbar.ProgressBar, ev pipeline.Event) {
	if ev.Windows > 0 {
		if bar.GetMax() != ev.Windows {
			bar.ChangeMax(ev.Windows)
		}
		bar.Set(ev.Window)
	}
	if ev.Kind == pipeline.EventLog {
		log.Debug(ev.Text)
	}
}

func printVerdict(r *types.RunResult, elapsed time.Duration) {
	verdict := "✅ Authentic"
	if r.IsDeepfake {
		verdict = "🚨 Deepfake Detected"
	}
	fmt.Fprintf(os.Stderr, "%s (confidence %.2f%%, %d windows, %s of video, took %s)\n",
		verdict, r.Confidence*100, r.WindowsAnalyzed, utils.FmtTime(r.VideoDurationSeconds), elapsed.Round(time.Millisecond))
}

func writeResult(path string, r *types.RunResult) error {
	out := os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func renderReportFile(path string, s report.Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := report.NewPDFRenderer(log).Render(f, s); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
