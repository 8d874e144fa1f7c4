// Package report renders analysis results as a PDF: a summary table, the evidence face crops
// and a per-window probability chart.
package report

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/andresmejia3/truthlens/internal/types"
	"github.com/disintegration/imaging"
	"github.com/go-pdf/fpdf"
)

// Summary is the report input. It mirrors the run result JSON; the counters are optional so a
// result produced by an older client still renders, with "N/A" in place of missing values.
type Summary struct {
	Filename             string    `json:"filename"`
	IsDeepfake           bool      `json:"is_deepfake"`
	Confidence           float64   `json:"confidence"`
	Probabilities        []float64 `json:"probabilities"`
	FaceImagesB64        []string  `json:"face_images_b64"`
	TotalFrames          *int      `json:"total_frames,omitempty"`
	VideoDurationSeconds *float64  `json:"video_duration_seconds,omitempty"`
	WindowsAnalyzed      *int      `json:"windows_analyzed,omitempty"`
}

func FromResult(r types.RunResult) Summary {
	return Summary{
		Filename:             r.Filename,
		IsDeepfake:           r.IsDeepfake,
		Confidence:           r.Confidence,
		Probabilities:        r.Probabilities,
		FaceImagesB64:        r.FaceImagesB64,
		TotalFrames:          &r.TotalFrames,
		VideoDurationSeconds: &r.VideoDurationSeconds,
		WindowsAnalyzed:      &r.WindowsAnalyzed,
	}
}

type Renderer interface {
	Render(w io.Writer, s Summary) error
}

// PDFRenderer renders A4 reports with go-pdf/fpdf.
type PDFRenderer struct {
	Now      func() time.Time
	Compress bool
	Logger   *slog.Logger
}

func NewPDFRenderer(logger *slog.Logger) *PDFRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PDFRenderer{
		Now:      time.Now,
		Compress: true,
		Logger:   logger.With("component", "report"),
	}
}

const (
	evidenceSize   = 50.0 // mm
	evidenceMargin = 10.0 // mm
	thumbPixels    = 256
)

func (r *PDFRenderer) Render(w io.Writer, s Summary) error {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(r.Compress)
	pdf.SetCreationDate(now())
	pdf.SetTitle("Deepfake Analysis Report", true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetHeaderFunc(func() {
		pdf.SetFont("Helvetica", "B", 15)
		pdf.CellFormat(0, 10, "Deepfake Analysis Report", "", 1, "C", false, 0, "")
		pdf.Ln(10)
	})
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d", pdf.PageNo()), "", 0, "C", false, 0, "")
	})

	pdf.AddPage()

	writeSummary(pdf, tr, s, now())
	pdf.Ln(10)
	writeEvidence(pdf, s.FaceImagesB64, logger)
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(0, 10, "Per-Window Probability Analysis:", "", 1, "", false, 0, "")
	if len(s.Probabilities) == 0 {
		pdf.SetFont("Helvetica", "I", 10)
		pdf.CellFormat(0, 10, "No probability data available.", "", 1, "", false, 0, "")
	} else {
		drawChart(pdf, s.Probabilities)
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("render pdf: %w", err)
	}
	return nil
}

func writeSummary(pdf *fpdf.Fpdf, tr func(string) string, s Summary, generated time.Time) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 10, "Analysis Summary", "", 1, "L", false, 0, "")

	verdict := "Authentic"
	if s.IsDeepfake {
		verdict = "Deepfake Detected"
	}

	filename := "N/A"
	if s.Filename != "" {
		filename = filepath.Base(s.Filename)
	}

	duration := "N/A"
	if s.VideoDurationSeconds != nil {
		duration = fmt.Sprintf("%.2f seconds", *s.VideoDurationSeconds)
	}

	rows := [][2]string{
		{"Report Generated", generated.Format("02/01/2006 15:04:05")},
		{"Analyzed File", filename},
		{"Verdict", verdict},
		{"Confidence", fmt.Sprintf("%.2f%%", s.Confidence*100)},
		{"Video Duration", duration},
		{"Total Frames", optionalInt(s.TotalFrames)},
		{"Windows Analyzed", optionalInt(s.WindowsAnalyzed)},
	}

	for _, row := range rows {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(40, 6, row[0]+":", "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.CellFormat(0, 6, tr(row[1]), "", 1, "L", false, 0, "")
	}
}

func optionalInt(v *int) string {
	if v == nil {
		return "N/A"
	}
	return fmt.Sprintf("%d", *v)
}

func writeEvidence(pdf *fpdf.Fpdf, images []string, logger *slog.Logger) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 10, "Evidence", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "B", 10)

	if len(images) == 0 {
		pdf.CellFormat(0, 10, "No face crops available.", "", 1, "L", false, 0, "")
		return
	}

	pdf.CellFormat(0, 10, "Key Frame Face Crops:", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	pageW, _ := pdf.GetPageSize()
	left, _, right, _ := pdf.GetMargins()
	perRow := int((pageW - left - right) / (evidenceSize + evidenceMargin))
	if perRow == 0 {
		perRow = 1
	}

	xStart, yStart := pdf.GetXY()
	placed := 0
	for i, b64 := range images {
		thumb, err := thumbnail(b64)
		if err != nil {
			logger.Warn("skipping evidence image", "index", i, "error", err)
			continue
		}

		name := fmt.Sprintf("evidence-%d", i)
		pdf.RegisterImageOptionsReader(name, fpdf.ImageOptions{ImageType: "PNG"}, bytes.NewReader(thumb))

		x := xStart + float64(placed%perRow)*(evidenceSize+evidenceMargin)
		y := yStart + float64(placed/perRow)*(evidenceSize+evidenceMargin)
		pdf.ImageOptions(name, x, y, evidenceSize, evidenceSize, false, fpdf.ImageOptions{ImageType: "PNG"}, 0, "")
		placed++
	}

	rowsUsed := (len(images) + perRow - 1) / perRow
	pdf.SetY(yStart + float64(rowsUsed)*(evidenceSize+evidenceMargin))
}

// thumbnail decodes a base64 crop and re-encodes it as a square PNG.
func thumbnail(b64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	var buf bytes.Buffer
	square := imaging.Resize(img, thumbPixels, thumbPixels, imaging.Lanczos)
	if err := imaging.Encode(&buf, square, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
