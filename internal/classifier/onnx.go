package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/andresmejia3/truthlens/internal/metrics"
	"github.com/andresmejia3/truthlens/internal/types"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXConfig describes the exported window model. The model takes a float32 tensor shaped
// [1, WindowSize, 3, FrameSize, FrameSize] and returns one logit.
type ONNXConfig struct {
	ModelPath      string
	LibraryPath    string
	InputName      string
	OutputName     string
	WindowSize     int
	FrameSize      int
	PoolSize       int
	AcquireTimeout time.Duration
}

// session bundles one AdvancedSession with the tensors bound to it.
type session struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

func (s *session) Destroy() {
	if s.Session != nil {
		s.Session.Destroy()
	}
	if s.Input != nil {
		s.Input.Destroy()
	}
	if s.Output != nil {
		s.Output.Destroy()
	}
}

// infer copies data into the input tensor, runs the model and returns the raw logit.
func (s *session) infer(data []float32) (float64, error) {
	copy(s.Input.GetData(), data)
	if err := s.Session.Run(); err != nil {
		return 0, err
	}
	return float64(s.Output.GetData()[0]), nil
}

func initSession(cfg ONNXConfig) (*session, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	threads := runtime.NumCPU() / max(cfg.PoolSize, 1)
	options.SetIntraOpNumThreads(max(threads, 1))
	options.SetInterOpNumThreads(1)

	inputShape := ort.NewShape(1, int64(cfg.WindowSize), 3, int64(cfg.FrameSize), int64(cfg.FrameSize))
	outputShape := ort.NewShape(1)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	s, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &session{Session: s, Input: inputTensor, Output: outputTensor}, nil
}

// ONNXClassifier scores windows with an ONNX export of the window model.
// Create it once at startup and Close it on shutdown; it owns the ONNX Runtime environment.
type ONNXClassifier struct {
	cfg    ONNXConfig
	pool   *sessionPool
	logger *slog.Logger

	// infer runs one session; replaced in tests.
	infer func(s *session, data []float32) (float64, error)
}

func NewONNXClassifier(cfg ONNXConfig, logger *slog.Logger) (*ONNXClassifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InputName == "" {
		cfg.InputName = "frames"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "logit"
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	pool, err := newSessionPool(cfg.PoolSize, cfg.AcquireTimeout, func() (*session, error) {
		return initSession(cfg)
	})
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create model session pool: %w", err)
	}

	logger = logger.With("component", "onnx-classifier")
	logger.Info("model loaded",
		"model", cfg.ModelPath,
		"sessions", pool.size,
		"window_size", cfg.WindowSize,
		"frame_size", cfg.FrameSize,
	)

	return &ONNXClassifier{cfg: cfg, pool: pool, logger: logger, infer: (*session).infer}, nil
}

// Classify runs one window batch through the model and returns sigmoid(logit).
func (c *ONNXClassifier) Classify(ctx context.Context, batch *types.Batch) (float64, error) {
	if batch.Frames != c.cfg.WindowSize || batch.Size != c.cfg.FrameSize {
		return 0, &ProcessingError{Message: fmt.Sprintf("malformed batch: got %dx%d, model expects %dx%d",
			batch.Frames, batch.Size, c.cfg.WindowSize, c.cfg.FrameSize)}
	}

	waitStart := time.Now()
	s, err := c.pool.Acquire(ctx)
	if err != nil {
		metrics.RecordSessionAcquire("error", time.Since(waitStart).Seconds())
		return 0, &ProcessingError{Message: "acquire session", Cause: err}
	}
	metrics.RecordSessionAcquire("success", time.Since(waitStart).Seconds())

	// Run cannot be interrupted. When ctx ends first the run is abandoned and its session
	// goes back to the pool once the model returns. The run owns a copy of the input since
	// the caller reuses batch buffers.
	data := append([]float32(nil), batch.Data...)
	done := make(chan inference, 1)
	go func() {
		logit, err := c.infer(s, data)
		done <- inference{logit, err}
	}()

	var out inference
	select {
	case out = <-done:
	case <-ctx.Done():
		go c.settle(s, done)
		return 0, &ProcessingError{Message: "model inference abandoned", Cause: ctx.Err()}
	}

	if out.err != nil {
		c.pool.Discard(s)
		return 0, &ProcessingError{Message: "model inference", Cause: out.err}
	}
	c.pool.Release(s)

	return Sigmoid(out.logit), nil
}

type inference struct {
	logit float64
	err   error
}

// settle returns the session of an abandoned run to the pool when the run finishes.
func (c *ONNXClassifier) settle(s *session, done <-chan inference) {
	out := <-done
	if out.err != nil {
		c.logger.Warn("abandoned inference failed", "error", out.err)
		c.pool.Discard(s)
		return
	}
	c.pool.Release(s)
}

// Metrics exposes pool counters for the monitoring endpoint.
func (c *ONNXClassifier) Metrics() PoolMetrics {
	return c.pool.Metrics()
}

func (c *ONNXClassifier) Close() error {
	c.pool.Destroy()
	if err := ort.DestroyEnvironment(); err != nil {
		return fmt.Errorf("destroy ONNX environment: %w", err)
	}
	return nil
}
