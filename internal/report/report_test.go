package report

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image/color"
	"testing"
	"time"

	"github.com/andresmejia3/truthlens/internal/types"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngB64(t *testing.T, v uint8) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(12, 16, color.NRGBA{R: v, G: v, B: v, A: 255}), imaging.PNG))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func render(t *testing.T, s Summary) string {
	t.Helper()
	r := NewPDFRenderer(nil)
	r.Compress = false
	r.Now = func() time.Time { return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC) }

	var buf bytes.Buffer
	require.NoError(t, r.Render(&buf, s))
	out := buf.String()
	require.True(t, len(out) > 4 && out[:4] == "%PDF", "output is not a PDF")
	return out
}

func TestRenderFullResult(t *testing.T) {
	result := types.RunResult{
		Filename:             "uploads/clip.mp4",
		IsDeepfake:           true,
		Confidence:           0.9,
		Probabilities:        []float64{0.1, 0.02, 0.9, 0.4},
		FaceImagesB64:        []string{pngB64(t, 10), pngB64(t, 200)},
		TotalFrames:          10,
		VideoDurationSeconds: 0.4,
		WindowsAnalyzed:      4,
	}

	out := render(t, FromResult(result))

	for _, want := range []string{
		"(Deepfake Analysis Report)",
		"(14/03/2026 09:26:53)",
		"(clip.mp4)",
		"(Deepfake Detected)",
		"(90.00%)",
		"(0.40 seconds)",
		"(Key Frame Face Crops:)",
		"(Deepfake Probability per Video Window)",
	} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "No face crops available.")
	assert.NotContains(t, out, "No probability data available.")
}

func TestRenderEmptyResult(t *testing.T) {
	out := render(t, Summary{Filename: "clip.mp4"})

	assert.Contains(t, out, "(Authentic)")
	assert.Contains(t, out, "(0.00%)")
	assert.Contains(t, out, "(N/A)")
	assert.Contains(t, out, "(No face crops available.)")
	assert.Contains(t, out, "(No probability data available.)")
}

func TestRenderSkipsBadEvidence(t *testing.T) {
	out := render(t, Summary{
		Filename:      "clip.mp4",
		FaceImagesB64: []string{"not base64!", base64.StdEncoding.EncodeToString([]byte("not a png")), pngB64(t, 90)},
		Probabilities: []float64{0.6},
	})
	assert.Contains(t, out, "(Key Frame Face Crops:)")
}

func TestSummaryOptionalFields(t *testing.T) {
	var s Summary
	require.NoError(t, json.Unmarshal([]byte(`{"filename":"a.mp4","is_deepfake":false,"confidence":0.2,"probabilities":[0.2],"face_images_b64":[]}`), &s))
	assert.Nil(t, s.TotalFrames)
	assert.Nil(t, s.VideoDurationSeconds)
	assert.Nil(t, s.WindowsAnalyzed)

	require.NoError(t, json.Unmarshal([]byte(`{"filename":"a.mp4","total_frames":0,"windows_analyzed":3}`), &s))
	require.NotNil(t, s.TotalFrames)
	assert.Equal(t, 0, *s.TotalFrames)
	assert.Equal(t, 3, *s.WindowsAnalyzed)
}

func TestTickStep(t *testing.T) {
	tests := []struct{ n, want int }{{1, 1}, {20, 1}, {21, 2}, {100, 8}}
	for _, tt := range tests {
		if got := tickStep(tt.n); got != tt.want {
			t.Errorf("tickStep(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}
