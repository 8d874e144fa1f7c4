package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/truthlens/internal/classifier"
	"github.com/andresmejia3/truthlens/internal/face"
	"github.com/andresmejia3/truthlens/internal/pipeline"
	"github.com/andresmejia3/truthlens/internal/video"
	"github.com/spf13/cobra"
)

// Options holds the analysis configuration shared by serve and analyze.
type Options struct {
	FrameSize     int
	WindowSize    int
	WindowStride  int
	ProgressDelay time.Duration
	WindowTimeout time.Duration

	Classifier   string // onnx or python
	ModelPath    string
	OrtLibrary   string
	Sessions     int
	Python       string
	WorkerScript string
	CascadePath  string
}

func addAnalysisFlags(cmd *cobra.Command, opts *Options) {
	def := pipeline.DefaultConfig()
	f := cmd.Flags()
	f.IntVar(&opts.FrameSize, "frame-size", def.FrameSize, "Side length frames are resized to before classification")
	f.IntVar(&opts.WindowSize, "window-size", def.WindowSize, "Frames per analysis window")
	f.IntVar(&opts.WindowStride, "window-stride", def.WindowStride, "Frames between consecutive window starts")
	f.DurationVar(&opts.WindowTimeout, "window-timeout", 0, "Per-window classifier timeout (0 = none)")

	f.StringVar(&opts.Classifier, "classifier", envOr("TRUTHLENS_CLASSIFIER", "onnx"), "Classifier backend: onnx or python")
	f.StringVar(&opts.ModelPath, "model", envOr("TRUTHLENS_MODEL", "models/window_classifier.onnx"), "Path to the window model")
	f.StringVar(&opts.OrtLibrary, "ort-lib", envOr("ONNXRUNTIME_LIB", ""), "Path to the onnxruntime shared library")
	f.IntVar(&opts.Sessions, "sessions", classifier.DefaultPoolSize, "Number of pooled ONNX sessions")
	f.StringVar(&opts.Python, "python", "python3", "Python interpreter for the python backend")
	f.StringVar(&opts.WorkerScript, "worker-script", "python/classifier_worker.py", "Worker script for the python backend")
	f.StringVar(&opts.CascadePath, "cascade", envOr("TRUTHLENS_CASCADE", "cascade/facefinder"), "Pigo face cascade file (empty disables face tracking)")
}

func (o Options) pipelineConfig() pipeline.Config {
	return pipeline.Config{
		FrameSize:     o.FrameSize,
		WindowSize:    o.WindowSize,
		WindowStride:  o.WindowStride,
		ProgressDelay: o.ProgressDelay,
		WindowTimeout: o.WindowTimeout,
	}
}

// validateOptions checks flags before any heavy resource (model, worker) is created.
func validateOptions(opts *Options) error {
	if err := opts.pipelineConfig().Validate(); err != nil {
		return err
	}
	switch strings.ToLower(opts.Classifier) {
	case "onnx":
		if opts.ModelPath == "" {
			return errors.New("--model is required for the onnx classifier")
		}
		if _, err := os.Stat(opts.ModelPath); err != nil {
			return fmt.Errorf("model file: %w", err)
		}
		if opts.Sessions < 1 {
			opts.Sessions = 1
		}
	case "python":
		if _, err := os.Stat(opts.WorkerScript); err != nil {
			return fmt.Errorf("worker script: %w", err)
		}
	default:
		return fmt.Errorf("unknown classifier %q (want onnx or python)", opts.Classifier)
	}
	return nil
}

type closableClassifier interface {
	pipeline.Classifier
	Close() error
}

// buildPipeline creates the frame source, face locator and classifier. The returned closer
// releases the classifier and must be called once the pipeline is no longer used.
func buildPipeline(ctx context.Context, opts Options, logger *slog.Logger) (*pipeline.Pipeline, io.Closer, error) {
	source := video.NewFFmpegSource()
	if err := source.CheckAvailable(); err != nil {
		return nil, nil, err
	}

	var locator face.Locator = face.NopLocator{}
	if opts.CascadePath != "" {
		l, err := face.NewPigoLocator(opts.CascadePath, face.DefaultPigoConfig())
		if err != nil {
			logger.Warn("face tracking disabled, windows will be classified on full frames", "cascade", opts.CascadePath, "error", err)
		} else {
			locator = l
		}
	}

	var cls closableClassifier
	switch strings.ToLower(opts.Classifier) {
	case "python":
		py, err := classifier.NewPythonClassifier(ctx, opts.Python, opts.WorkerScript, opts.ModelPath)
		if err != nil {
			return nil, nil, err
		}
		cls = py
	default:
		onnx, err := classifier.NewONNXClassifier(classifier.ONNXConfig{
			ModelPath:   opts.ModelPath,
			LibraryPath: opts.OrtLibrary,
			WindowSize:  opts.WindowSize,
			FrameSize:   opts.FrameSize,
			PoolSize:    opts.Sessions,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		cls = onnx
	}

	p, err := pipeline.New(opts.pipelineConfig(), source, locator, cls, logger)
	if err != nil {
		cls.Close()
		return nil, nil, err
	}
	return p, cls, nil
}
