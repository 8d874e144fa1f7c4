package pipeline

import (
	"fmt"
	"time"
)

// Config holds the per-pipeline tunables. Sizes are in frames and pixels.
type Config struct {
	FrameSize     int
	WindowSize    int
	WindowStride  int
	ProgressDelay time.Duration
	WindowTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		FrameSize:     224,
		WindowSize:    16,
		WindowStride:  8,
		ProgressDelay: 50 * time.Millisecond,
	}
}

// Validate rejects configurations that would make window scheduling or preprocessing meaningless.
func (c Config) Validate() error {
	if c.FrameSize <= 0 {
		return fmt.Errorf("frame size must be positive, got %d", c.FrameSize)
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("window size must be positive, got %d", c.WindowSize)
	}
	if c.WindowStride <= 0 {
		return fmt.Errorf("window stride must be positive, got %d", c.WindowStride)
	}
	if c.ProgressDelay < 0 {
		return fmt.Errorf("progress delay cannot be negative")
	}
	if c.WindowTimeout < 0 {
		return fmt.Errorf("window timeout cannot be negative")
	}
	return nil
}
