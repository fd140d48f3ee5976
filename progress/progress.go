package progress

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"time"
)

type State interface {
	String() string
}

// Progress redraws its states in place on a terminal until it is stopped.
type Progress struct {
	mu sync.Mutex
	// buffer output to minimize flickering on all terminals
	w *bufio.Writer

	pos    int
	states []State

	done    chan struct{}
	stopped sync.WaitGroup
}

func NewProgress(w io.Writer) *Progress {
	p := &Progress{w: bufio.NewWriter(w), done: make(chan struct{})}
	p.stopped.Add(1)
	go p.start(100 * time.Millisecond)
	return p
}

func (p *Progress) Add(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.states = append(p.states, state)
}

func (p *Progress) stop() {
	select {
	case <-p.done:
		return
	default:
		close(p.done)
	}

	p.stopped.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, state := range p.states {
		if spinner, ok := state.(*Spinner); ok {
			spinner.Stop()
		}
	}
}

// Stop renders the final states and leaves them on screen.
func (p *Progress) Stop() {
	p.stop()
	p.render()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pos > 0 {
		fmt.Fprintln(p.w)
	}

	// show cursor
	fmt.Fprint(p.w, "\033[?25h")
	p.w.Flush()
}

// StopAndClear erases every line drawn so far.
func (p *Progress) StopAndClear() {
	p.stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for range p.pos - 1 {
		fmt.Fprint(p.w, "\033[A")
	}

	fmt.Fprint(p.w, "\033[2K", "\033[1G")

	// show cursor
	fmt.Fprint(p.w, "\033[?25h")
	p.w.Flush()
}

func (p *Progress) render() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for range p.pos - 1 {
		fmt.Fprint(p.w, "\033[A")
	}

	fmt.Fprint(p.w, "\033[1G")
	for i, state := range p.states {
		fmt.Fprint(p.w, state.String(), "\033[K")
		if i < len(p.states)-1 {
			fmt.Fprint(p.w, "\n")
		}
	}

	p.pos = len(p.states)
	p.w.Flush()
}

func (p *Progress) start(interval time.Duration) {
	defer p.stopped.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// hide cursor
	p.mu.Lock()
	fmt.Fprint(p.w, "\033[?25l")
	p.mu.Unlock()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.render()
		}
	}
}
