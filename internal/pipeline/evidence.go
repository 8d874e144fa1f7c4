package pipeline

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"image"
	"sort"

	"github.com/andresmejia3/truthlens/internal/types"
	"github.com/disintegration/imaging"
)

const maxEvidence = 3

// SelectEvidence picks up to three face crops: the highest-probability window, the lowest, and
// the median, skipping crops whose pixels match one already chosen.
func SelectEvidence(results []types.WindowResult) []image.Image {
	withCrop := make([]types.WindowResult, 0, len(results))
	for _, r := range results {
		if r.FaceCrop != nil {
			withCrop = append(withCrop, r)
		}
	}
	if len(withCrop) == 0 {
		return nil
	}

	sort.SliceStable(withCrop, func(i, j int) bool {
		return withCrop[i].Probability < withCrop[j].Probability
	})

	n := len(withCrop)
	candidates := []int{n - 1}
	if n >= 2 {
		candidates = append(candidates, 0)
	}
	if n >= 3 {
		candidates = append(candidates, n/2)
	}

	seen := make(map[[sha256.Size]byte]struct{}, maxEvidence)
	picked := make([]image.Image, 0, maxEvidence)
	for _, idx := range candidates {
		crop := withCrop[idx].FaceCrop
		key := pixelHash(crop)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		picked = append(picked, crop)
	}
	return picked
}

// pixelHash hashes the dimensions and NRGBA pixels of img, so identical crops from different
// frames collide regardless of their source bounds or color model.
func pixelHash(img image.Image) [sha256.Size]byte {
	canon := imaging.Clone(img)

	h := sha256.New()
	var dims [8]byte
	binary.BigEndian.PutUint32(dims[0:4], uint32(canon.Rect.Dx()))
	binary.BigEndian.PutUint32(dims[4:8], uint32(canon.Rect.Dy()))
	h.Write(dims[:])
	h.Write(canon.Pix)

	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// EncodeEvidence renders crops as base64 PNG strings. The result is never nil.
func EncodeEvidence(crops []image.Image) ([]string, error) {
	out := make([]string, 0, len(crops))
	for i, crop := range crops {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, crop, imaging.PNG); err != nil {
			return nil, fmt.Errorf("encode evidence %d: %w", i, err)
		}
		out = append(out, base64.StdEncoding.EncodeToString(buf.Bytes()))
	}
	return out, nil
}
