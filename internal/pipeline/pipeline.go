// Package pipeline turns a staged video into a deepfake verdict: decode, schedule overlapping
// windows, track a face per window, classify, aggregate, and report progress as it goes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"time"

	"github.com/andresmejia3/truthlens/internal/face"
	"github.com/andresmejia3/truthlens/internal/metrics"
	"github.com/andresmejia3/truthlens/internal/types"
	"github.com/andresmejia3/truthlens/internal/window"
	"github.com/mdobak/go-xerrors"
)

// NeutralProbability is recorded for a window whose classification failed.
const NeutralProbability = 0.5

// ErrDecode marks failures to probe or decode the input video.
var ErrDecode = errors.New("video decode failed")

// errEmit marks a failed hand-off to the consumer; no further events are attempted.
var errEmit = errors.New("progress consumer gone")

type FrameSource interface {
	Probe(ctx context.Context, path string) (types.VideoMeta, error)
	Decode(ctx context.Context, path string) ([]image.Image, error)
}

// Classifier scores one preprocessed window and returns a fake probability in [0,1].
type Classifier interface {
	Classify(ctx context.Context, batch *types.Batch) (float64, error)
}

type Pipeline struct {
	cfg        Config
	source     FrameSource
	tracker    *face.Tracker
	classifier Classifier
	logger     *slog.Logger
}

func New(cfg Config, source FrameSource, locator face.Locator, classifier Classifier, logger *slog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if source == nil {
		return nil, errors.New("frame source is required")
	}
	if classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:        cfg,
		source:     source,
		tracker:    face.NewTracker(locator),
		classifier: classifier,
		logger:     logger.With("component", "pipeline"),
	}, nil
}

func (p *Pipeline) Config() Config {
	return p.cfg
}

// Start runs the pipeline in the background and streams its events over a channel.
func (p *Pipeline) Start(ctx context.Context, res *RunResource) *Stream {
	s := &Stream{
		events: make(chan Event),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer close(s.events)

		s.result, s.err = p.Run(ctx, res, func(ev Event) error {
			select {
			case s.events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	return s
}

// Run analyzes res synchronously, handing every event to emit in order. It takes ownership of
// res and closes it before returning, whatever the outcome. A fatal error is reported to emit as
// a terminal error event unless the consumer itself failed or the context was cancelled.
func (p *Pipeline) Run(ctx context.Context, res *RunResource, emit Emitter) (*types.RunResult, error) {
	defer res.Close()

	logger := p.logger.With("run_id", res.ID, "filename", res.Filename)
	logger.Info("run started", "sha256", res.SHA256)

	start := time.Now()
	metrics.RecordRunStart()

	result, err := p.run(ctx, res, emit)

	status := "success"
	switch {
	case err == nil:
	case ctx.Err() != nil:
		status = "cancelled"
	default:
		status = "error"
	}
	metrics.RecordRunEnd(status, time.Since(start).Seconds())

	if err != nil {
		if status == "error" && !errors.Is(err, errEmit) {
			_ = emit(Event{Kind: EventError, Text: err.Error()})
		}
		logger.Error("run failed", "status", status, slog.Any("error", xerrors.New(err)))
		return nil, err
	}

	metrics.RecordVerdict(result.IsDeepfake)
	logger.Info("run finished",
		"is_deepfake", result.IsDeepfake,
		"confidence", result.Confidence,
		"windows", result.WindowsAnalyzed,
		"duration", time.Since(start),
	)
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, res *RunResource, emit Emitter) (*types.RunResult, error) {
	send := func(ev Event) error { return p.emit(ctx, emit, ev) }

	if err := send(LogEvent("Decoding video frames...")); err != nil {
		return nil, err
	}

	meta, err := p.source.Probe(ctx, res.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: probe %s: %w", ErrDecode, res.Filename, err)
	}
	if err := send(LogEvent("Video duration: %.2fs, Total frames: %d", meta.DurationSeconds, meta.TotalFrames)); err != nil {
		return nil, err
	}

	frames, err := p.source.Decode(ctx, res.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrDecode, res.Filename, err)
	}
	res.SetFrames(frames)
	if err := send(LogEvent("Decoded %d frames.", len(frames))); err != nil {
		return nil, err
	}

	plan := window.Plan(len(frames), p.cfg.WindowSize, p.cfg.WindowStride)
	if err := send(LogEvent("Processing %d windows...", len(plan))); err != nil {
		return nil, err
	}

	results := make([]types.WindowResult, 0, len(plan))
	for _, w := range plan {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := send(LogEvent("  - Analyzing window %d/%d", w.Index+1, len(plan))); err != nil {
			return nil, err
		}

		wr, err := p.scoreWindow(ctx, res, w, len(plan), send)
		if err != nil {
			return nil, err
		}
		results = append(results, wr)
	}

	probs := make([]float64, len(results))
	for i, r := range results {
		probs[i] = r.Probability
	}
	verdict := Aggregate(probs)

	evidence, err := EncodeEvidence(SelectEvidence(results))
	if err != nil {
		return nil, err
	}

	totalFrames := meta.TotalFrames
	if totalFrames <= 0 {
		totalFrames = len(frames)
	}

	result := &types.RunResult{
		Filename:             res.Filename,
		IsDeepfake:           verdict.IsDeepfake,
		Confidence:           verdict.Confidence,
		Probabilities:        probs,
		FaceImagesB64:        evidence,
		TotalFrames:          totalFrames,
		VideoDurationSeconds: meta.DurationSeconds,
		WindowsAnalyzed:      len(results),
	}

	if err := send(Event{Kind: EventResult, Result: result}); err != nil {
		return nil, err
	}
	return result, nil
}

// scoreWindow tracks, preprocesses and classifies one window. The only errors it returns are
// cancellation and consumer failures; everything else degrades to a fallback plus a log event.
func (p *Pipeline) scoreWindow(ctx context.Context, res *RunResource, w window.Window, total int, send func(Event) error) (types.WindowResult, error) {
	started := time.Now()
	frames := res.Frames()[w.Start:w.End()]
	n := w.Index + 1

	track, err := p.tracker.Track(frames[0])
	if err != nil {
		kind, msg := "detect", "Face detection failed for window %d: %v"
		if errors.Is(err, face.ErrEmptyCrop) {
			kind, msg = "crop", "Face cropping failed for window %d, using full frames: %v"
		}
		metrics.RecordFaceFailure(kind)
		track = face.Track{}
		if err := send(LogEvent(msg, n, err)); err != nil {
			return types.WindowResult{}, err
		}
	}

	batch := res.AcquireBatch(len(frames), p.cfg.FrameSize)

	var cropErr error
	for i, frame := range frames {
		img, err := track.Apply(frame)
		if err != nil {
			if cropErr == nil {
				cropErr = fmt.Errorf("frame %d: %w", w.Start+i, err)
			}
			img = frame
		}
		Preprocess(img, p.cfg.FrameSize, batch.Frame(i))
	}

	prob, classifyErr := p.classify(ctx, batch)
	res.ReleaseBatch(batch)

	if cropErr != nil {
		metrics.RecordFaceFailure("crop")
		if err := send(LogEvent("Face cropping failed for window %d, using full frame: %v", n, cropErr)); err != nil {
			return types.WindowResult{}, err
		}
	}

	wr := types.WindowResult{Index: w.Index, Probability: prob, FaceCrop: track.Crop}

	if classifyErr != nil {
		wr.Probability = NeutralProbability
		metrics.RecordWindow("error", wr.Probability, time.Since(started).Seconds())
		p.logger.Warn("window classification failed", "window", n, slog.Any("error", xerrors.New(classifyErr)))
		ev := LogEvent("Error processing window %d: %v", n, classifyErr)
		ev.Window, ev.Windows = n, total
		return wr, send(ev)
	}

	metrics.RecordWindow("success", wr.Probability, time.Since(started).Seconds())
	ev := LogEvent("    Window %d completed with probability: %.3f", n, wr.Probability)
	ev.Window, ev.Windows = n, total
	return wr, send(ev)
}

func (p *Pipeline) classify(ctx context.Context, batch *types.Batch) (float64, error) {
	if p.cfg.WindowTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.WindowTimeout)
		defer cancel()
	}

	prob, err := p.classifier.Classify(ctx, batch)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(prob) || prob < 0 || prob > 1 {
		return 0, fmt.Errorf("classifier returned probability %v outside [0,1]", prob)
	}
	return prob, nil
}

// emit hands ev to the consumer and then yields for the configured progress delay so a
// streaming transport gets a chance to flush. Terminal events are not followed by a pause.
func (p *Pipeline) emit(ctx context.Context, emit Emitter, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := emit(ev); err != nil {
		return fmt.Errorf("%w: %w", errEmit, err)
	}
	if p.cfg.ProgressDelay <= 0 || ev.Terminal() {
		return nil
	}

	t := time.NewTimer(p.cfg.ProgressDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
