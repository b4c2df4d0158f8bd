package room

import (
	"sync"
	"time"
)

// saver coalesces rapid snapshot writes into a single trailing write of the
// most recent bytes. One pending slot per controller, last write wins.
type saver struct {
	interval time.Duration
	write    func(raw []byte)

	mu      sync.Mutex
	pending []byte
	timer   *time.Timer
}

func newSaver(interval time.Duration, write func(raw []byte)) *saver {
	return &saver{interval: interval, write: write}
}

// Schedule replaces the pending snapshot and restarts the trailing timer.
func (s *saver) Schedule(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = raw
	if s.timer == nil {
		s.timer = time.AfterFunc(s.interval, s.expire)
	} else {
		s.timer.Reset(s.interval)
	}
}

func (s *saver) expire() {
	s.mu.Lock()
	raw := s.pending
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()
	if raw != nil {
		s.write(raw)
	}
}

// Flush writes any pending snapshot immediately and stops the timer.
func (s *saver) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	raw := s.pending
	s.pending = nil
	s.mu.Unlock()
	if raw != nil {
		s.write(raw)
	}
}
