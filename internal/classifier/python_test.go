package classifier

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"testing"
	"time"

	"github.com/andresmejia3/truthlens/internal/types"
)

// MockCloser wraps a bytes.Buffer so in-memory buffers can stand in for OS pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func newMockClassifier(response []byte) (*PythonClassifier, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	writeFrame(dataPipeMock, 1, response)

	return &PythonClassifier{Stdin: stdinMock, DataPipe: dataPipeMock}, stdinMock
}

// writeFrame writes one worker reply: [len][seq][body].
func writeFrame(w io.Writer, seq uint32, body []byte) {
	binary.Write(w, binary.BigEndian, uint32(4+len(body)))
	binary.Write(w, binary.BigEndian, seq)
	w.Write(body)
}

func okBody(prob float32) []byte {
	b := new(bytes.Buffer)
	b.WriteByte(statusOK)
	binary.Write(b, binary.BigEndian, prob)
	return b.Bytes()
}

func testBatch(frames, size int) *types.Batch {
	b := &types.Batch{Frames: frames, Size: size}
	b.Data = make([]float32, frames*b.FrameLen())
	for i := range b.Data {
		b.Data[i] = float32(i)
	}
	return b
}

func TestPythonClassify(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusOK)
	binary.Write(payload, binary.BigEndian, float32(0.75))

	c, stdinMock := newMockClassifier(payload.Bytes())

	batch := testBatch(2, 2)
	prob, err := c.Classify(context.Background(), batch)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if math.Abs(prob-0.75) > 1e-6 {
		t.Errorf("Expected probability 0.75, got %f", prob)
	}

	// [len][seq][frames][size][data]
	sent := stdinMock.Bytes()
	want := 4 + 4 + 8 + 4*len(batch.Data)
	if len(sent) != want {
		t.Fatalf("Expected %d bytes sent, got %d", want, len(sent))
	}
	if got := binary.BigEndian.Uint32(sent[0:4]); int(got) != want-4 {
		t.Errorf("Expected length prefix %d, got %d", want-4, got)
	}
	if got := binary.BigEndian.Uint32(sent[4:8]); got != 1 {
		t.Errorf("Expected seq=1, got %d", got)
	}
	if got := binary.BigEndian.Uint32(sent[8:12]); got != 2 {
		t.Errorf("Expected frames=2, got %d", got)
	}
	if got := binary.BigEndian.Uint32(sent[12:16]); got != 2 {
		t.Errorf("Expected size=2, got %d", got)
	}
	last := math.Float32frombits(binary.BigEndian.Uint32(sent[len(sent)-4:]))
	if last != batch.Data[len(batch.Data)-1] {
		t.Errorf("Expected last value %v, got %v", batch.Data[len(batch.Data)-1], last)
	}
}

func TestPythonClassify_Error(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusErr)

	errMsg := "CUDA out of memory"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	c, _ := newMockClassifier(payload.Bytes())

	_, err := c.Classify(context.Background(), testBatch(1, 1))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
	var perr *ProcessingError
	if !errors.As(err, &perr) {
		t.Errorf("Expected ProcessingError, got %T", err)
	}
}

func TestPythonClassify_WorkerGone(t *testing.T) {
	c := &PythonClassifier{
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: &MockCloser{Buffer: new(bytes.Buffer)},
	}

	_, err := c.Classify(context.Background(), testBatch(1, 1))
	var perr *ProcessingError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected ProcessingError, got %v", err)
	}

	// A late reply must not revive a dead worker.
	writeFrame(c.DataPipe.(*MockCloser), 2, okBody(0.3))
	if _, err := c.Classify(context.Background(), testBatch(1, 1)); !errors.As(err, &perr) || perr.Message != "python worker unusable" {
		t.Fatalf("Expected unusable worker error, got %v", err)
	}
}

func TestPythonClassify_SkipsStaleReplies(t *testing.T) {
	c, _ := newMockClassifier(okBody(0.9))
	c.seq = 1 // request 1 was abandoned; its reply is still queued
	writeFrame(c.DataPipe.(*MockCloser), 2, okBody(0.2))

	prob, err := c.Classify(context.Background(), testBatch(1, 1))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if math.Abs(prob-0.2) > 1e-6 {
		t.Errorf("Expected 0.2 from the matching reply, got %f", prob)
	}
}

// TestPythonClassify_TimeoutKeepsStreamInSync drives a worker over real pipes: the first
// window's reply arrives late, split across its header, and must not be taken as the answer
// to the second window.
func TestPythonClassify_TimeoutKeepsStreamInSync(t *testing.T) {
	dataR, dataW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer dataR.Close()
	stdinR, stdinW := io.Pipe()
	defer stdinW.Close()

	replies := []float32{0.9, 0.1}
	go func() {
		defer dataW.Close()
		for i, prob := range replies {
			var n uint32
			if err := binary.Read(stdinR, binary.BigEndian, &n); err != nil {
				return
			}
			body := make([]byte, n)
			if _, err := io.ReadFull(stdinR, body); err != nil {
				return
			}
			seq := binary.BigEndian.Uint32(body)

			frame := new(bytes.Buffer)
			writeFrame(frame, seq, okBody(prob))
			if i == 0 {
				dataW.Write(frame.Bytes()[:2])
				time.Sleep(200 * time.Millisecond)
				dataW.Write(frame.Bytes()[2:])
				continue
			}
			dataW.Write(frame.Bytes())
		}
	}()

	c := &PythonClassifier{Stdin: stdinW, DataPipe: dataR}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Classify(ctx, testBatch(1, 1)); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("Expected deadline error for the slow window, got %v", err)
	}

	prob, err := c.Classify(context.Background(), testBatch(1, 1))
	if err != nil {
		t.Fatalf("Classify after timeout failed: %v", err)
	}
	if math.Abs(prob-0.1) > 1e-6 {
		t.Errorf("Expected 0.1 for the second window, got %f", prob)
	}
}

func TestPythonClassify_Cancelled(t *testing.T) {
	c, stdinMock := newMockClassifier([]byte{statusOK, 0, 0, 0, 0})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Classify(ctx, testBatch(1, 1)); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if stdinMock.Len() != 0 {
		t.Errorf("Expected nothing sent for a cancelled call, got %d bytes", stdinMock.Len())
	}
}

func TestDecodeResult(t *testing.T) {
	nan := new(bytes.Buffer)
	nan.WriteByte(statusOK)
	binary.Write(nan, binary.BigEndian, float32(math.NaN()))

	tests := []struct {
		name string
		resp []byte
	}{
		{"empty", nil},
		{"short probability", []byte{statusOK, 0x3f}},
		{"nan probability", nan.Bytes()},
		{"unknown status", []byte{7}},
		{"short error", []byte{statusErr, 0, 0, 0, 9, 'x'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeResult(tt.resp); err == nil {
				t.Errorf("decodeResult(%v) expected error", tt.resp)
			}
		})
	}
}
