// Package automation holds helpers shared by the browser and static
// automation backends.
package automation

import (
	"context"
	"sync"

	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

// Guarded wraps a Session so Close runs at most once no matter how many
// exit paths reach it. Later calls return the first call's error.
type Guarded struct {
	scrape.Session

	once sync.Once
	err  error
}

// Guard wraps s. Guarding an already guarded session returns it unchanged.
func Guard(s scrape.Session) *Guarded {
	if g, ok := s.(*Guarded); ok {
		return g
	}
	return &Guarded{Session: s}
}

// Close closes the underlying session once.
func (g *Guarded) Close() error {
	g.once.Do(func() { g.err = g.Session.Close() })
	return g.err
}

// Signal is the bookkeeping every session backend shares: a challenge stream
// that closes with the session and a one-slot resume latch.
type Signal struct {
	mu         sync.Mutex
	closed     bool
	challenges chan scrape.Challenge
	resume     chan struct{}
}

// NewSignal allocates the channels.
func NewSignal() *Signal {
	return &Signal{
		challenges: make(chan scrape.Challenge, 1),
		resume:     make(chan struct{}, 1),
	}
}

// Challenges is the receive side handed to the worker.
func (s *Signal) Challenges() <-chan scrape.Challenge { return s.challenges }

// Emit publishes a detection. It never blocks and is a no-op after Shut.
func (s *Signal) Emit(ch scrape.Challenge) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.challenges <- ch:
		return true
	default:
		return false
	}
}

// Resume releases a session blocked in Await.
func (s *Signal) Resume(context.Context) error {
	select {
	case s.resume <- struct{}{}:
	default:
	}
	return nil
}

// Await blocks until Resume is called or ctx ends.
func (s *Signal) Await(ctx context.Context) error {
	select {
	case <-s.resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shut closes the challenge stream. Safe to call repeatedly.
func (s *Signal) Shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.challenges)
}
