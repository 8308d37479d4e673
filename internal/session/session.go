// Package session tracks the lifecycle and per-connection state of one MCP
// stream: the outbound event queue consumed by the SSE pump, the set of
// in-flight invocations, the request IDs seen so far, and the admission loop
// that bounds how many invocations run concurrently while preserving arrival
// order.
package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eosho/freshmcp/internal/jsonrpc"
)

// State is the session lifecycle phase. Transitions only move forward:
// Open -> Draining -> Closed.
type State int32

const (
	StateOpen State = iota
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrClosed                = errors.New("session closed")
	ErrDraining              = errors.New("session draining")
	ErrDuplicateInvocationID = errors.New("duplicate invocation id")
	ErrPendingOverflow       = errors.New("pending invocation queue full")
)

// Event is one outbound frame destined for the stream, tagged with a
// monotonic per-session sequence number used as the SSE event id.
type Event struct {
	ID      string
	Payload jsonrpc.Message
}

// Config bounds the per-session queues.
type Config struct {
	// MaxConcurrent bounds how many invocations run at once. Defaults to 8.
	MaxConcurrent int
	// QueueSize is the outbound event buffer consumed by the SSE pump.
	// Defaults to 64.
	QueueSize int
	// PendingSize bounds invocations waiting for a run slot. Defaults to 256.
	PendingSize int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.PendingSize <= 0 {
		c.PendingSize = 256
	}
	return c
}

// Session is one client connection's state. All methods are safe for
// concurrent use.
type Session struct {
	id        string
	createdAt time.Time

	mu       sync.Mutex
	state    State
	usedIDs  map[string]struct{}
	inflight map[string]context.CancelCauseFunc

	events  chan Event
	pending chan func()
	slots   chan struct{}
	closed  chan struct{}

	closeOnce sync.Once
	seq       atomic.Int64
}

// New creates an open session and starts its admission loop.
func New(id string, cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		id:        id,
		createdAt: time.Now(),
		state:     StateOpen,
		usedIDs:   make(map[string]struct{}),
		inflight:  make(map[string]context.CancelCauseFunc),
		events:    make(chan Event, cfg.QueueSize),
		pending:   make(chan func(), cfg.PendingSize),
		slots:     make(chan struct{}, cfg.MaxConcurrent),
		closed:    make(chan struct{}),
	}
	go s.admitLoop()
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events is the outbound queue. Events are delivered in enqueue order;
// delivery stops permanently once the session is closed.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Enqueue appends one outbound frame. It blocks while the queue is full and
// fails once the session is closed.
func (s *Session) Enqueue(payload jsonrpc.Message) (string, error) {
	ev := Event{
		ID:      strconv.FormatInt(s.seq.Add(1), 10),
		Payload: payload,
	}
	select {
	case <-s.closed:
		return "", ErrClosed
	default:
	}
	select {
	case s.events <- ev:
		return ev.ID, nil
	case <-s.closed:
		return "", ErrClosed
	}
}

// ReserveInvocationID records a request ID as used. IDs are never released,
// so a given ID can start at most one invocation for the life of the session.
// New invocations are refused once draining begins.
func (s *Session) ReserveInvocationID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed:
		return ErrClosed
	case StateDraining:
		return ErrDraining
	}
	if _, used := s.usedIDs[id]; used {
		return ErrDuplicateInvocationID
	}
	s.usedIDs[id] = struct{}{}
	return nil
}

// TrackInvocation registers the cancel hook for a live invocation.
func (s *Session) TrackInvocation(id string, cancel context.CancelCauseFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[id] = cancel
}

// EndInvocation removes a finished invocation from the in-flight set.
func (s *Session) EndInvocation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}

// Cancel requests cancellation of one in-flight invocation. It reports
// whether the invocation was found.
func (s *Session) Cancel(id string, cause error) bool {
	s.mu.Lock()
	cancel, ok := s.inflight[id]
	s.mu.Unlock()
	if ok {
		cancel(cause)
	}
	return ok
}

// CancelAll cancels every in-flight invocation.
func (s *Session) CancelAll(cause error) {
	s.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(s.inflight))
	for _, c := range s.inflight {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()
	for _, c := range cancels {
		c(cause)
	}
}

// InFlight reports how many invocations are currently tracked.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Admit queues work for execution under the session's concurrency bound.
// Queued work starts in arrival order as slots free up.
func (s *Session) Admit(run func()) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()
	select {
	case s.pending <- run:
		return nil
	default:
		return ErrPendingOverflow
	}
}

// admitLoop pulls pending work in FIFO order and starts it once a run slot is
// free. A single loop does the slot acquisition so arrival order is the start
// order.
func (s *Session) admitLoop() {
	for {
		select {
		case <-s.closed:
			return
		case run := <-s.pending:
			select {
			case s.slots <- struct{}{}:
			case <-s.closed:
				return
			}
			go func() {
				defer func() { <-s.slots }()
				run()
			}()
		}
	}
}

// BeginDrain moves an open session to Draining. In-flight invocations keep
// running and their events still deliver; new invocations are refused.
func (s *Session) BeginDrain() {
	s.mu.Lock()
	if s.state == StateOpen {
		s.state = StateDraining
	}
	s.mu.Unlock()
}

// Drain performs the orderly teardown: stop admitting, give in-flight work
// up to grace to finish, cancel whatever remains, allow the cancellations to
// settle, then close.
func (s *Session) Drain(grace time.Duration, cause error) {
	s.BeginDrain()
	s.waitIdle(grace)
	if s.InFlight() > 0 {
		s.CancelAll(cause)
		s.waitIdle(grace)
	}
	s.Close(cause)
}

// waitIdle polls until the in-flight set empties or the timeout elapses.
func (s *Session) waitIdle(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for s.InFlight() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

// Close moves the session to Closed, cancels anything still in flight and
// stops event delivery. Safe to call more than once.
func (s *Session) Close(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		cancels := make([]context.CancelCauseFunc, 0, len(s.inflight))
		for _, c := range s.inflight {
			cancels = append(cancels, c)
		}
		s.mu.Unlock()
		for _, c := range cancels {
			c(cause)
		}
		close(s.closed)
	})
}
