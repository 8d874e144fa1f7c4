package report

import (
	"fmt"

	"github.com/go-pdf/fpdf"
)

const (
	chartHeight     = 80.0
	deepfakeGuide   = 0.5
	authenticGuide  = 0.03
	chartAxisMargin = 12.0
)

// drawChart plots probabilities against window index with the two verdict guide lines.
// The chart spans the page width minus 40mm, matching the report layout.
func drawChart(pdf *fpdf.Fpdf, probs []float64) {
	pageW, pageH := pdf.GetPageSize()
	_, _, _, bottom := pdf.GetMargins()

	totalH := chartHeight + 2*chartAxisMargin
	if pdf.GetY()+totalH > pageH-bottom {
		pdf.AddPage()
	}

	width := pageW - 40
	x0 := (pageW-width)/2 + chartAxisMargin
	y0 := pdf.GetY() + chartAxisMargin
	plotW := width - chartAxisMargin
	plotH := chartHeight

	px := func(i int) float64 {
		if len(probs) == 1 {
			return x0 + plotW/2
		}
		return x0 + plotW*float64(i)/float64(len(probs)-1)
	}
	py := func(p float64) float64 {
		return y0 + plotH*(1-clamp01(p))
	}

	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetTextColor(0, 0, 0)
	pdf.Text(x0, y0-4, "Deepfake Probability per Video Window")

	// grid and y ticks
	pdf.SetFont("Helvetica", "", 7)
	pdf.SetLineWidth(0.1)
	pdf.SetDrawColor(220, 220, 220)
	for _, tick := range []float64{0, 0.25, 0.5, 0.75, 1} {
		pdf.Line(x0, py(tick), x0+plotW, py(tick))
		pdf.Text(x0-8, py(tick)+1, fmt.Sprintf("%.2f", tick))
	}
	step := tickStep(len(probs))
	for i := 0; i < len(probs); i += step {
		pdf.Line(px(i), y0, px(i), y0+plotH)
		pdf.Text(px(i)-1, y0+plotH+4, fmt.Sprintf("%d", i))
	}

	pdf.SetDrawColor(0, 0, 0)
	pdf.SetLineWidth(0.3)
	pdf.Rect(x0, y0, plotW, plotH, "D")

	pdf.SetDashPattern([]float64{2, 1.5}, 0)
	pdf.SetDrawColor(214, 39, 40)
	pdf.Line(x0, py(deepfakeGuide), x0+plotW, py(deepfakeGuide))
	pdf.SetDrawColor(44, 160, 44)
	pdf.Line(x0, py(authenticGuide), x0+plotW, py(authenticGuide))
	pdf.SetDashPattern([]float64{}, 0)

	pdf.SetDrawColor(31, 119, 180)
	pdf.SetFillColor(31, 119, 180)
	pdf.SetLineWidth(0.4)
	for i := 1; i < len(probs); i++ {
		pdf.Line(px(i-1), py(probs[i-1]), px(i), py(probs[i]))
	}
	for i, p := range probs {
		pdf.Circle(px(i), py(p), 0.8, "F")
	}

	pdf.SetFont("Helvetica", "", 8)
	pdf.Text(x0+plotW/2-10, y0+plotH+9, "Window Index")
	pdf.TransformBegin()
	pdf.TransformRotate(90, x0-10, y0+plotH/2+8)
	pdf.Text(x0-10, y0+plotH/2+8, "Probability")
	pdf.TransformEnd()

	legendX := x0 + plotW - 55
	legendY := y0 + 4
	pdf.SetDashPattern([]float64{2, 1.5}, 0)
	pdf.SetDrawColor(214, 39, 40)
	pdf.Line(legendX, legendY, legendX+6, legendY)
	pdf.SetDrawColor(44, 160, 44)
	pdf.Line(legendX, legendY+4, legendX+6, legendY+4)
	pdf.SetDashPattern([]float64{}, 0)
	pdf.Text(legendX+8, legendY+1, "Deepfake Threshold (>0.5)")
	pdf.Text(legendX+8, legendY+5, "Authentic Threshold (<0.03)")

	pdf.SetDrawColor(0, 0, 0)
	pdf.SetLineWidth(0.2)
	pdf.SetY(y0 + plotH + chartAxisMargin)
}

// tickStep keeps x-axis labels readable for long videos.
func tickStep(n int) int {
	step := 1
	for n/step > 20 {
		step *= 2
	}
	return step
}

func clamp01(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
