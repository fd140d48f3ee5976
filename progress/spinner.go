package progress

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

var spinnerParts = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner animates next to a message while a step runs and reports the elapsed
// time once stopped.
type Spinner struct {
	message string
	now     func() time.Time

	mu      sync.Mutex
	started time.Time
	stopped time.Time
}

func NewSpinner(message string) *Spinner {
	return &Spinner{message: message, now: time.Now, started: time.Now()}
}

func (s *Spinner) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sb strings.Builder
	if message := strings.TrimSpace(s.message); message != "" {
		sb.WriteString(message)
		sb.WriteString(" ")
	}

	if s.stopped.IsZero() {
		elapsed := s.now().Sub(s.started)
		sb.WriteString(spinnerParts[int(elapsed/(100*time.Millisecond))%len(spinnerParts)])
		sb.WriteString(" ")
		return sb.String()
	}

	fmt.Fprintf(&sb, "(%s)", s.stopped.Sub(s.started).Round(time.Millisecond))
	return sb.String()
}

func (s *Spinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.IsZero() {
		s.stopped = s.now()
	}
}
