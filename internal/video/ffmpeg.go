// Package video decodes uploaded videos into frames through ffmpeg and ffprobe.
package video

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"math"
	"os/exec"
	"strconv"

	"github.com/andresmejia3/truthlens/internal/types"
	"github.com/andresmejia3/truthlens/internal/utils"
	"github.com/disintegration/imaging"
)

const megabyte = 1024 * 1024

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// FFmpegSource decodes videos by piping ffmpeg's MJPEG output.
type FFmpegSource struct {
	FFmpegPath  string
	FFprobePath string
}

func NewFFmpegSource() *FFmpegSource {
	return &FFmpegSource{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe"}
}

// CheckAvailable reports whether both binaries are on PATH.
func (s *FFmpegSource) CheckAvailable() error {
	for _, bin := range []string{s.FFmpegPath, s.FFprobePath} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s not found in PATH: %w", bin, err)
		}
	}
	return nil
}

type ffprobeOutput struct {
	Streams []struct {
		NbFrames string `json:"nb_frames"`
		Duration string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ParseProbe extracts frame count and duration from ffprobe JSON.
// Missing or "N/A" fields become zero, matching containers that omit them.
func ParseProbe(out []byte) (types.VideoMeta, error) {
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return types.VideoMeta{}, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return types.VideoMeta{}, fmt.Errorf("no video stream found")
	}

	var meta types.VideoMeta
	if n, err := strconv.Atoi(res.Streams[0].NbFrames); err == nil && n > 0 {
		meta.TotalFrames = n
	}
	if d, ok := parseDuration(res.Streams[0].Duration); ok {
		meta.DurationSeconds = d
	} else if d, ok := parseDuration(res.Format.Duration); ok {
		meta.DurationSeconds = d
	}
	return meta, nil
}

// parseDuration accepts positive finite seconds only; "inf" and "nan" parse but cannot be encoded as JSON.
func parseDuration(s string) (float64, bool) {
	d, err := strconv.ParseFloat(s, 64)
	if err != nil || d <= 0 || math.IsInf(d, 0) || math.IsNaN(d) {
		return 0, false
	}
	return d, true
}

// Probe reads container metadata for the first video stream.
func (s *FFmpegSource) Probe(ctx context.Context, path string) (types.VideoMeta, error) {
	cmd := utils.NewSafeCommand(ctx, s.FFprobePath, "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=nb_frames,duration:format=duration", "-of", "json", path)

	out, err := cmd.Output()
	if err != nil {
		return types.VideoMeta{}, fmt.Errorf("ffprobe failed: %w: %s", err, cmd.Logs())
	}
	return ParseProbe(out)
}

// Decode returns every frame of the first video stream in presentation order.
func (s *FFmpegSource) Decode(ctx context.Context, path string) ([]image.Image, error) {
	// -q:v 2 keeps the intermediate JPEGs close to lossless
	cmd := utils.NewSafeCommand(ctx, s.FFmpegPath, "-hide_banner", "-loglevel", "error",
		"-i", path, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "2", "-")

	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	defer out.Close() // Ensure pipe is closed to prevent leaks/zombies

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	frames, scanErr := ReadFrames(out)
	waitErr := cmd.Wait()

	if scanErr != nil {
		return nil, scanErr
	}
	if waitErr != nil {
		return nil, fmt.Errorf("ffmpeg execution failed: %w: %s", waitErr, cmd.Logs())
	}
	return frames, nil
}

// ReadFrames splits an MJPEG stream into JPEG tokens and decodes each one.
func ReadFrames(r io.Reader) ([]image.Image, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(SplitJpeg)

	var frames []image.Image
	for scanner.Scan() {
		img, err := imaging.Decode(bytes.NewReader(scanner.Bytes()))
		if err != nil {
			return nil, fmt.Errorf("decode frame %d: %w", len(frames), err)
		}
		frames = append(frames, img)
	}

	// Check for scanner errors (e.g. token too long, unexpected EOF)
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("frame scanner failed: %w", err)
	}
	return frames, nil
}

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}
