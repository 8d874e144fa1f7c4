package types

import "image"

// FaceBox is a face bounding box in the pixel space of a single frame.
type FaceBox struct {
	Top    int
	Right  int
	Bottom int
	Left   int
}

// Rect converts the box to an image.Rectangle.
func (b FaceBox) Rect() image.Rectangle {
	return image.Rect(b.Left, b.Top, b.Right, b.Bottom)
}

// VideoMeta is the container metadata reported before frames are decoded.
type VideoMeta struct {
	TotalFrames     int
	DurationSeconds float64
}

// Batch is the preprocessed tensor for one window, laid out as [Frames, 3, Size, Size].
type Batch struct {
	Frames int
	Size   int
	Data   []float32
}

// FrameLen is the number of floats occupied by a single frame in the batch.
func (b *Batch) FrameLen() int {
	return 3 * b.Size * b.Size
}

// Frame returns the slice of Data holding frame i.
func (b *Batch) Frame(i int) []float32 {
	n := b.FrameLen()
	return b.Data[i*n : (i+1)*n]
}

// WindowResult is the outcome of scoring one window. FaceCrop is nil when no face was captured.
type WindowResult struct {
	Index       int
	Probability float64
	FaceCrop    image.Image
}

// RunResult is the terminal artifact of a run. Its JSON shape is consumed verbatim by report rendering.
type RunResult struct {
	Filename             string    `json:"filename"`
	IsDeepfake           bool      `json:"is_deepfake"`
	Confidence           float64   `json:"confidence"`
	Probabilities        []float64 `json:"probabilities"`
	FaceImagesB64        []string  `json:"face_images_b64"`
	TotalFrames          int       `json:"total_frames"`
	VideoDurationSeconds float64   `json:"video_duration_seconds"`
	WindowsAnalyzed      int       `json:"windows_analyzed"`
}
