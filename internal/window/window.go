// Package window partitions a decoded frame sequence into fixed-size, fixed-stride windows.
package window

// Window is the half-open frame range [Start, Start+Size).
type Window struct {
	Index int
	Start int
	Size  int
}

// End returns the exclusive end frame index.
func (w Window) End() int {
	return w.Start + w.Size
}

// Count returns how many windows of the given size and stride fit into n frames.
func Count(n, size, stride int) int {
	if size <= 0 || stride <= 0 || n < size {
		return 0
	}
	return (n-size)/stride + 1
}

// Starts returns the window start indices 0, stride, 2*stride, ... while start+size <= n.
func Starts(n, size, stride int) []int {
	count := Count(n, size, stride)
	starts := make([]int, count)
	for i := range starts {
		starts[i] = i * stride
	}
	return starts
}

// Plan returns the ordered windows for n frames.
func Plan(n, size, stride int) []Window {
	starts := Starts(n, size, stride)
	windows := make([]Window, len(starts))
	for i, s := range starts {
		windows[i] = Window{Index: i, Start: s, Size: size}
	}
	return windows
}
