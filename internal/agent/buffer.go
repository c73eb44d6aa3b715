package agent

import "sync"

// TailBuffer keeps the last N lines of the child's stderr so crash reports
// can include what the process said on the way down.
type TailBuffer struct {
	mu    sync.Mutex
	lines []string
	size  int
	head  int
	count int
}

// NewTailBuffer creates a buffer holding up to size lines.
func NewTailBuffer(size int) *TailBuffer {
	return &TailBuffer{
		lines: make([]string, size),
		size:  size,
	}
}

// Add appends a line, evicting the oldest when full.
func (b *TailBuffer) Add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := (b.head + b.count) % b.size
	if b.count < b.size {
		b.count++
	} else {
		b.head = (b.head + 1) % b.size
	}
	b.lines[idx] = line
}

// All returns the buffered lines oldest first.
func (b *TailBuffer) All() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]string, b.count)
	for i := 0; i < b.count; i++ {
		result[i] = b.lines[(b.head+i)%b.size]
	}
	return result
}

// Last returns up to n of the most recent lines, oldest first.
func (b *TailBuffer) Last(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.count {
		n = b.count
	}
	result := make([]string, n)
	for i := 0; i < n; i++ {
		result[i] = b.lines[(b.head+b.count-n+i)%b.size]
	}
	return result
}
