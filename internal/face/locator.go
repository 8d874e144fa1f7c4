// Package face locates faces in decoded frames and tracks one face region per analysis window.
package face

import (
	"fmt"
	"image"
	"os"
	"sort"

	"github.com/andresmejia3/truthlens/internal/types"
	pigo "github.com/esimov/pigo/core"
)

// Locator returns zero or more face boxes for one frame, best candidate first.
type Locator interface {
	Locate(img image.Image) ([]types.FaceBox, error)
}

// PigoConfig tunes the pigo cascade run.
type PigoConfig struct {
	MinSize      int
	MaxSize      int
	ShiftFactor  float64
	ScaleFactor  float64
	IoUThreshold float64
	MinQuality   float32
}

// DefaultPigoConfig mirrors the detector settings used for webcam-sized frames.
func DefaultPigoConfig() PigoConfig {
	return PigoConfig{
		MinSize:      40,
		MaxSize:      1000,
		ShiftFactor:  0.15,
		ScaleFactor:  1.1,
		IoUThreshold: 0.2,
		MinQuality:   5.0,
	}
}

// PigoLocator detects faces with a pigo pixel-intensity cascade.
// The unpacked cascade is read-only, so one locator is safe to share across runs.
type PigoLocator struct {
	classifier *pigo.Pigo
	cfg        PigoConfig
}

// NewPigoLocator loads and unpacks the cascade file at path.
func NewPigoLocator(path string, cfg PigoConfig) (*PigoLocator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cascade file: %w", err)
	}

	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack cascade file: %w", err)
	}
	return &PigoLocator{classifier: classifier, cfg: cfg}, nil
}

// Locate runs the cascade on a grayscale copy of img.
func (l *PigoLocator) Locate(img image.Image) (boxes []types.FaceBox, err error) {
	// pigo indexes raw pixel slices; a malformed frame surfaces as a panic.
	defer func() {
		if r := recover(); r != nil {
			boxes, err = nil, fmt.Errorf("pigo cascade panicked: %v", r)
		}
	}()

	bounds := img.Bounds()
	rows, cols := bounds.Dy(), bounds.Dx()
	if rows == 0 || cols == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	params := pigo.CascadeParams{
		MinSize:     l.cfg.MinSize,
		MaxSize:     l.cfg.MaxSize,
		ShiftFactor: l.cfg.ShiftFactor,
		ScaleFactor: l.cfg.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pigo.RgbToGrayscale(img),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	dets := l.classifier.RunCascade(params, 0.0)
	dets = l.classifier.ClusterDetections(dets, l.cfg.IoUThreshold)

	sort.Slice(dets, func(i, j int) bool {
		return dets[i].Q > dets[j].Q
	})

	for _, d := range dets {
		if d.Q < l.cfg.MinQuality {
			continue
		}
		half := d.Scale / 2
		boxes = append(boxes, types.FaceBox{
			Top:    bounds.Min.Y + d.Row - half,
			Right:  bounds.Min.X + d.Col + half,
			Bottom: bounds.Min.Y + d.Row + half,
			Left:   bounds.Min.X + d.Col - half,
		})
	}
	return boxes, nil
}

// NopLocator never finds a face, so every window is scored uncropped.
type NopLocator struct{}

func (NopLocator) Locate(image.Image) ([]types.FaceBox, error) {
	return nil, nil
}
