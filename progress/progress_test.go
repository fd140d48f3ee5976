package progress

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// syncBuffer guards a buffer written by the render goroutine.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

func testSpinner(message string) (*Spinner, *time.Time) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &Spinner{message: message, started: now}
	s.now = func() time.Time { return now }
	return s, &now
}

func TestSpinner(t *testing.T) {
	s, now := testSpinner("building van_tiny ")
	assert.Equal(t, "building van_tiny ⠋ ", s.String())

	*now = now.Add(250 * time.Millisecond)
	assert.Equal(t, "building van_tiny ⠹ ", s.String())

	*now = now.Add(time.Second)
	s.Stop()
	assert.Equal(t, "building van_tiny (1.25s)", s.String())

	// stopping again keeps the first time
	*now = now.Add(time.Second)
	s.Stop()
	assert.Equal(t, "building van_tiny (1.25s)", s.String())
}

func TestProgressStop(t *testing.T) {
	var b syncBuffer
	p := NewProgress(&b)

	s, _ := testSpinner("classifying")
	p.Add(s)
	p.Stop()

	out := b.String()
	assert.True(t, strings.HasPrefix(out, "\033[?25l"), "%q", out)
	assert.Contains(t, out, "classifying (0s)\033[K\n")
	assert.True(t, strings.HasSuffix(out, "\033[?25h"), "%q", out)

	// stopping twice is harmless
	p.Stop()
}

func TestProgressStopAndClear(t *testing.T) {
	var b syncBuffer
	p := NewProgress(&b)

	first, _ := testSpinner("one")
	second, _ := testSpinner("two")
	p.Add(first)
	p.Add(second)
	p.render()
	p.StopAndClear()

	out := b.String()
	assert.Contains(t, out, "one ⠋ \033[K\ntwo ⠋ \033[K")
	assert.True(t, strings.HasSuffix(out, "\033[A\033[2K\033[1G\033[?25h"), "%q", out)
}
