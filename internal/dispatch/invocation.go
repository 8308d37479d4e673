package dispatch

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// Status is the lifecycle phase of one invocation. Terminal statuses are
// Succeeded, Failed and Cancelled; an invocation reaches exactly one of them.
type Status int32

const (
	StatusPending Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s Status) terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// invocation is one accepted tools/call request moving through the engine.
type invocation struct {
	id        string
	tool      string
	arguments json.RawMessage
	submitted time.Time

	status atomic.Int32
}

func newInvocation(id, tool string, args json.RawMessage) *invocation {
	inv := &invocation{
		id:        id,
		tool:      tool,
		arguments: args,
		submitted: time.Now(),
	}
	inv.status.Store(int32(StatusPending))
	return inv
}

func (inv *invocation) Status() Status { return Status(inv.status.Load()) }

// transition advances the status. Terminal statuses are sticky.
func (inv *invocation) transition(to Status) bool {
	for {
		cur := inv.status.Load()
		if Status(cur).terminal() {
			return false
		}
		if inv.status.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}
