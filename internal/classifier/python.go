package classifier

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/truthlens/internal/types"
	"github.com/andresmejia3/truthlens/internal/utils"
)

const (
	statusOK  byte = 0
	statusErr byte = 1
)

// PythonClassifier drives a long-lived Python worker that hosts the original window model.
// Requests go over stdin, results come back on a side-channel pipe (FD 3) so the child's
// stdout/stderr noise never corrupts the protocol.
//
// Request:  [len uint32][seq uint32][frames uint32][size uint32][frames*3*size*size float32]
// Response: [len uint32][seq uint32][status byte] then float32 probability (status 0) or [msgLen uint32][msg] (status 1).
// All integers and floats are big-endian. The worker echoes seq, so a reply that arrives after
// its request timed out is recognized and dropped.
type PythonClassifier struct {
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu      sync.Mutex
	seq     uint32
	pending []byte // bytes read from DataPipe that do not form a whole frame yet
	broken  error  // set once the pipes are unusable; every later call fails with it
}

func NewPythonClassifier(ctx context.Context, python, script, model string) (*PythonClassifier, error) {
	args := []string{"-u", script}
	if model != "" {
		args = append(args, "--model", model)
	}
	py := utils.NewSafeCommand(ctx, python, args...)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("python worker failed to start: %w", err)
	}

	// Only the child holds the write end now.
	w.Close()

	return &PythonClassifier{
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Classify sends one window to the worker. Calls are serialized; the worker handles one window at a time.
func (p *PythonClassifier) Classify(ctx context.Context, batch *types.Batch) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.broken != nil {
		return 0, &ProcessingError{Message: "python worker unusable", Cause: p.broken}
	}

	if dl, ok := p.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok {
		deadline, _ := ctx.Deadline()
		_ = dl.SetReadDeadline(deadline)
	}

	p.seq++
	resp, err := p.Communicate(p.seq, encodeBatch(batch))
	if err != nil {
		// A timed out read leaves the stream intact: partial bytes stay in pending and the
		// late reply is skipped by seq. Anything else means the worker is gone.
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			p.broken = err
		}
		return 0, &ProcessingError{Message: "python worker", Cause: err}
	}
	return decodeResult(resp)
}

// Communicate writes one length-prefixed request tagged with seq and returns the body of the
// matching response. Replies to earlier, abandoned requests are discarded.
func (p *PythonClassifier) Communicate(seq uint32, data []byte) ([]byte, error) {
	if err := binary.Write(p.Stdin, binary.BigEndian, uint32(4+len(data))); err != nil {
		return nil, err
	}
	if err := binary.Write(p.Stdin, binary.BigEndian, seq); err != nil {
		return nil, err
	}
	if _, err := p.Stdin.Write(data); err != nil {
		return nil, err
	}

	for {
		frame, err := p.readFrame()
		if err != nil {
			// The worker died (import error, OOM...). Its stderr is in Cmd.Logs().
			return nil, err
		}
		if len(frame) < 4 {
			return nil, fmt.Errorf("short response frame (%d bytes)", len(frame))
		}
		got := binary.BigEndian.Uint32(frame)
		switch {
		case got == seq:
			return frame[4:], nil
		case got > seq:
			return nil, fmt.Errorf("response for request %d while waiting for %d", got, seq)
		}
	}
}

// readFrame returns the next length-prefixed frame from DataPipe. Bytes read before an error
// are kept for the next call so an interrupted read never loses framing.
func (p *PythonClassifier) readFrame() ([]byte, error) {
	chunk := make([]byte, 4096)
	for {
		if frame, ok := p.takeFrame(); ok {
			return frame, nil
		}
		n, err := p.DataPipe.Read(chunk)
		p.pending = append(p.pending, chunk[:n]...)
		if err != nil {
			if frame, ok := p.takeFrame(); ok {
				return frame, nil
			}
			if errors.Is(err, io.EOF) && len(p.pending) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

func (p *PythonClassifier) takeFrame() ([]byte, bool) {
	if len(p.pending) < 4 {
		return nil, false
	}
	n := int(binary.BigEndian.Uint32(p.pending))
	if len(p.pending) < 4+n {
		return nil, false
	}
	frame := append([]byte(nil), p.pending[4:4+n]...)
	p.pending = p.pending[4+n:]
	return frame, true
}

func encodeBatch(batch *types.Batch) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8+4*len(batch.Data)))
	binary.Write(buf, binary.BigEndian, uint32(batch.Frames))
	binary.Write(buf, binary.BigEndian, uint32(batch.Size))
	binary.Write(buf, binary.BigEndian, batch.Data)
	return buf.Bytes()
}

func decodeResult(resp []byte) (float64, error) {
	if len(resp) == 0 {
		return 0, &ProcessingError{Message: "empty response from python worker"}
	}

	r := bytes.NewReader(resp[1:])
	switch resp[0] {
	case statusOK:
		var prob float32
		if err := binary.Read(r, binary.BigEndian, &prob); err != nil {
			return 0, &ProcessingError{Message: "short probability payload", Cause: err}
		}
		if math.IsNaN(float64(prob)) || prob < 0 || prob > 1 {
			return 0, &ProcessingError{Message: fmt.Sprintf("probability out of range: %v", prob)}
		}
		return float64(prob), nil
	case statusErr:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return 0, &ProcessingError{Message: "short error payload", Cause: err}
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return 0, &ProcessingError{Message: "short error payload", Cause: err}
		}
		return 0, &ProcessingError{Message: "python worker error", Cause: errors.New(string(msg))}
	default:
		return 0, &ProcessingError{Message: fmt.Sprintf("unknown worker status %d", resp[0])}
	}
}

func (p *PythonClassifier) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Stdin.Close()
	p.DataPipe.Close()
	if p.Cmd == nil {
		return nil
	}
	if err := p.Cmd.Wait(); err != nil {
		return fmt.Errorf("python worker exited: %w", err)
	}
	return nil
}
