package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/truthlens/internal/metrics"
	"github.com/andresmejia3/truthlens/internal/pipeline"
	"github.com/andresmejia3/truthlens/internal/report"
	"github.com/andresmejia3/truthlens/internal/server"
	"github.com/andresmejia3/truthlens/internal/utils"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	Options
	Addr        string
	UploadDir   string
	CORSOrigins []string
	MaxUploadMB int64
}

var serveOpts serveOptions

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP analysis service",
	Run: func(cmd *cobra.Command, args []string) {
		runServe(cmd, serveOpts)
	},
}

func init() {
	addAnalysisFlags(serveCmd, &serveOpts.Options)
	f := serveCmd.Flags()
	f.DurationVar(&serveOpts.ProgressDelay, "progress-delay", pipeline.DefaultConfig().ProgressDelay, "Pause after each progress event so clients can render it")
	f.StringVar(&serveOpts.Addr, "addr", ":"+envOr("PORT", "8000"), "Listen address")
	f.StringVar(&serveOpts.UploadDir, "upload-dir", envOr("TRUTHLENS_UPLOAD_DIR", os.TempDir()), "Directory for staged uploads")
	f.StringSliceVar(&serveOpts.CORSOrigins, "cors-origins", server.DefaultCORSOrigins(), "Allowed browser origins")
	f.Int64Var(&serveOpts.MaxUploadMB, "max-upload-mb", 512, "Maximum upload size in megabytes")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, opts serveOptions) {
	if err := validateOptions(&opts.Options); err != nil {
		utils.Die("Invalid flags", err, nil)
	}
	if err := os.MkdirAll(opts.UploadDir, 0o755); err != nil {
		utils.Die("Failed to create upload directory", err, nil)
	}

	p, closer, err := buildPipeline(cmd.Context(), opts.Options, log)
	if err != nil {
		utils.Die("Failed to initialize analysis pipeline", err, nil)
	}
	defer closer.Close()

	var history server.History
	if DB != nil {
		history = DB
	} else {
		log.Warn("no database configured, run history is disabled")
	}

	srv := server.New(server.Config{
		UploadDir:      opts.UploadDir,
		MaxUploadBytes: opts.MaxUploadMB * 1024 * 1024,
		CORSOrigins:    opts.CORSOrigins,
	}, p, report.NewPDFRenderer(log), history, metrics.NewRegistry(), log)

	fmt.Fprintf(os.Stderr, "🚀 TruthLens listening on %s (origins: %s)\n", opts.Addr, strings.Join(opts.CORSOrigins, ", "))
	if err := srv.ListenAndServe(cmd.Context(), opts.Addr); err != nil {
		utils.Die("Server failed", err, nil)
	}
	fmt.Fprintln(os.Stderr, "👋 Server stopped.")
}
