package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/truthlens/internal/types"
	"github.com/andresmejia3/truthlens/internal/utils"
	"github.com/google/uuid"
)

// RunResource owns everything a single run allocates: the staged upload, the decoded frames
// and the per-window scratch tensors. Close releases all of it exactly once.
type RunResource struct {
	ID       string
	Filename string
	Path     string
	SHA256   string

	dir    string // staging directory owned by the run; empty for adopted files
	logger *slog.Logger

	mu     sync.Mutex
	frames []image.Image

	batches     sync.Pool
	outstanding atomic.Int32

	once     sync.Once
	released atomic.Bool
}

func newRunResource(filename string, logger *slog.Logger) *RunResource {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &RunResource{
		ID:       id,
		Filename: filename,
		logger:   logger.With("component", "run", "run_id", id),
	}
}

// Stage copies an upload into a fresh directory under dir, hashing it on the way.
// The directory is removed by Close.
func Stage(dir, filename string, r io.Reader, logger *slog.Logger) (*RunResource, error) {
	res := newRunResource(filename, logger)

	tmp, err := os.MkdirTemp(dir, "run-*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	res.dir = tmp
	res.Path = filepath.Join(tmp, safeName(filename))

	f, err := os.Create(res.Path)
	if err != nil {
		res.Close()
		return nil, fmt.Errorf("create staged file: %w", err)
	}

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, h), r); err != nil {
		f.Close()
		res.Close()
		return nil, fmt.Errorf("stage upload: %w", err)
	}
	if err := f.Close(); err != nil {
		res.Close()
		return nil, fmt.Errorf("flush staged file: %w", err)
	}
	res.SHA256 = hex.EncodeToString(h.Sum(nil))

	return res, nil
}

// Adopt wraps a file the caller owns. Close never deletes it.
func Adopt(path string, logger *slog.Logger) (*RunResource, error) {
	sum, err := utils.HashFile(path)
	if err != nil {
		return nil, fmt.Errorf("hash input: %w", err)
	}
	res := newRunResource(filepath.Base(path), logger)
	res.Path = path
	res.SHA256 = sum
	return res, nil
}

func safeName(filename string) string {
	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" || name == "." || name == "" {
		return "upload"
	}
	return name
}

func (r *RunResource) SetFrames(frames []image.Image) {
	r.mu.Lock()
	r.frames = frames
	r.mu.Unlock()
}

func (r *RunResource) Frames() []image.Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// AcquireBatch hands out a zeroed-capacity scratch tensor sized for frames x 3 x size x size.
// Every AcquireBatch must be paired with ReleaseBatch.
func (r *RunResource) AcquireBatch(frames, size int) *types.Batch {
	need := frames * 3 * size * size

	b, _ := r.batches.Get().(*types.Batch)
	if b == nil || cap(b.Data) < need {
		b = &types.Batch{Data: make([]float32, need)}
	}
	b.Frames = frames
	b.Size = size
	b.Data = b.Data[:need]

	r.outstanding.Add(1)
	return b
}

func (r *RunResource) ReleaseBatch(b *types.Batch) {
	if b == nil {
		return
	}
	r.outstanding.Add(-1)
	r.batches.Put(b)
}

// Outstanding is the number of batches acquired and not yet released.
func (r *RunResource) Outstanding() int {
	return int(r.outstanding.Load())
}

// Close drops the frames and removes the staging directory. Safe to call more than once;
// failures are logged and never returned.
func (r *RunResource) Close() {
	r.once.Do(func() {
		r.SetFrames(nil)

		if n := r.Outstanding(); n != 0 {
			r.logger.Warn("run closed with batches still outstanding", "batches", n)
		}

		if r.dir != "" {
			if err := os.RemoveAll(r.dir); err != nil {
				r.logger.Error("failed to remove staging dir", "dir", r.dir, "error", err)
			}
		}
		r.released.Store(true)
	})
}

func (r *RunResource) Released() bool {
	return r.released.Load()
}
