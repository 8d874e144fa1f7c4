package face

import (
	"errors"
	"fmt"
	"image"

	"github.com/andresmejia3/truthlens/internal/types"
	"github.com/disintegration/imaging"
)

// ErrEmptyCrop is returned when a box does not overlap the frame it is applied to.
var ErrEmptyCrop = errors.New("face box does not intersect frame")

// Crop cuts box out of img. The box is clipped to the frame bounds first.
func Crop(img image.Image, box types.FaceBox) (*image.NRGBA, error) {
	rect := box.Rect().Intersect(img.Bounds())
	if rect.Empty() {
		return nil, fmt.Errorf("crop %v from %v: %w", box.Rect(), img.Bounds(), ErrEmptyCrop)
	}
	return imaging.Crop(img, rect), nil
}

// Track is the face region chosen for one window.
// Box is nil when no face was found; Crop is the box cut from the window's first frame.
type Track struct {
	Box  *types.FaceBox
	Crop image.Image
}

// Apply crops frame with the tracked box, or returns frame unchanged when nothing is tracked.
func (t Track) Apply(frame image.Image) (image.Image, error) {
	if t.Box == nil {
		return frame, nil
	}
	crop, err := Crop(frame, *t.Box)
	if err != nil {
		return nil, err
	}
	return crop, nil
}

// Tracker picks one face box per window from the window's first frame and reuses it
// for every frame of that window. The face may drift inside the window; that is accepted.
type Tracker struct {
	locator Locator
}

func NewTracker(locator Locator) *Tracker {
	if locator == nil {
		locator = NopLocator{}
	}
	return &Tracker{locator: locator}
}

// Track locates faces on first exactly once. A locator error yields an empty track and the
// error; a crop error yields the box without a crop and an error wrapping ErrEmptyCrop.
func (t *Tracker) Track(first image.Image) (Track, error) {
	boxes, err := t.locator.Locate(first)
	if err != nil {
		return Track{}, fmt.Errorf("locate face: %w", err)
	}
	if len(boxes) == 0 {
		return Track{}, nil
	}

	box := boxes[0]
	track := Track{Box: &box}

	crop, err := Crop(first, box)
	if err != nil {
		return track, err
	}
	track.Crop = crop
	return track, nil
}
