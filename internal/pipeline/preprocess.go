package pipeline

import (
	"image"

	"github.com/disintegration/imaging"
)

var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Preprocess resizes img to size x size and writes it into dst as normalized CHW floats.
// dst must hold 3*size*size values.
func Preprocess(img image.Image, size int, dst []float32) {
	plane := size * size

	resized := imaging.Resize(img, size, size, imaging.Linear)
	if resized.Rect.Dx() != size || resized.Rect.Dy() != size {
		// Degenerate input: treat as a black frame.
		for c := 0; c < 3; c++ {
			fill := -imagenetMean[c] / imagenetStd[c]
			for i := 0; i < plane; i++ {
				dst[c*plane+i] = fill
			}
		}
		return
	}

	for y := 0; y < size; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+3]
			i := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255.0
				dst[c*plane+i] = (v - imagenetMean[c]) / imagenetStd[c]
			}
		}
	}
}
