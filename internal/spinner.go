package internal

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type Spinner struct {
	frames   []string
	interval time.Duration
	message  string
	writer   io.Writer
	active   bool
	mu       sync.Mutex
	done     chan struct{}
	stopped  chan struct{}
}

func NewSpinner(message string) *Spinner {
	return &Spinner{
		frames:   []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		interval: 100 * time.Millisecond,
		message:  message,
		writer:   os.Stdout,
	}
}

func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return
	}
	s.active = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	go s.loop(s.done, s.stopped)
}

func (s *Spinner) loop(done, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	frameIndex := 0
	for {
		s.mu.Lock()
		fmt.Fprintf(s.writer, "\r%s %s", s.frames[frameIndex%len(s.frames)], s.message)
		s.mu.Unlock()
		frameIndex++

		select {
		case <-done:
			s.clearLine()
			return
		case <-ticker.C:
		}
	}
}

// Stop halts the animation and waits until the line has been cleared.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
}

func (s *Spinner) Success(message string) {
	s.Stop()
	fmt.Fprintf(s.writer, "\r✅ %s\n", message)
}

func (s *Spinner) Error(message string) {
	s.Stop()
	fmt.Fprintf(s.writer, "\r❌ %s\n", message)
}

func (s *Spinner) UpdateMessage(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

func (s *Spinner) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Spinner) clearLine() {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprint(s.writer, "\r\033[K")
}

func WithSpinner(message string, operation func() error) error {
	return WithSpinnerConditional(message, operation, showDecorations())
}

func WithSpinnerConditional(message string, operation func() error, showSpinner bool) error {
	if !showSpinner {
		Logger.Debug(message)
		return operation()
	}

	spinner := NewSpinner(message)
	spinner.Start()

	err := operation()

	if err != nil {
		spinner.Error(fmt.Sprintf("Failed: %s", message))
		return err
	}

	spinner.Success(message)
	return nil
}
