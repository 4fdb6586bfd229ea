package websocket

import "time"

// Line is one buffered log line.
type Line struct {
	Text string
	At   time.Time
}

// LogBuffer is the append-only history of one subject. Offsets are absolute:
// dropping old lines to respect the count bound never renumbers the rest.
type LogBuffer struct {
	lines    []Line
	base     int
	maxLines int
	lastAt   time.Time
}

func newLogBuffer(maxLines int) *LogBuffer {
	return &LogBuffer{maxLines: maxLines}
}

func (b *LogBuffer) append(l Line) {
	b.lines = append(b.lines, l)
	b.lastAt = l.At
	if b.maxLines > 0 && len(b.lines) > b.maxLines {
		drop := len(b.lines) - b.maxLines
		b.lines = append(b.lines[:0:0], b.lines[drop:]...)
		b.base += drop
	}
}

// next is the offset the following appended line will get.
func (b *LogBuffer) next() int {
	return b.base + len(b.lines)
}

func (b *LogBuffer) texts() []string {
	out := make([]string, len(b.lines))
	for i, l := range b.lines {
		out[i] = l.Text
	}
	return out
}

// since returns the lines at offset and later. An offset older than the
// buffer's base starts at the oldest retained line.
func (b *LogBuffer) since(offset int) []string {
	start := offset - b.base
	if start < 0 {
		start = 0
	}
	if start >= len(b.lines) {
		return nil
	}
	out := make([]string, 0, len(b.lines)-start)
	for _, l := range b.lines[start:] {
		out = append(out, l.Text)
	}
	return out
}
