package pool

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is a connection's lifecycle state. Transitions:
// connecting→{connected|error}; connected↔idle↔busy; any→closing→closed
// or →error.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateIdle
	StateBusy
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Priority orders waiters competing for a connection slot.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Connection is one pooled upstream slot, exclusively owned by the pool and
// borrowed (state busy) by a single caller at a time.
type Connection struct {
	ID         string
	Scheme     string
	Host       string
	Port       int
	CreatedAt  time.Time
	LastUsedAt time.Time
	UsageCount int64
	Metadata   map[string]string

	state State
}

func newConnection(scheme, host string, port int) *Connection {
	now := time.Now()
	return &Connection{
		ID:         uuid.NewString(),
		Scheme:     scheme,
		Host:       host,
		Port:       port,
		CreatedAt:  now,
		LastUsedAt: now,
		Metadata:   map[string]string{},
		state:      StateConnected,
	}
}

// State returns the current lifecycle state. Reads race-free only through
// the pool, which serializes all mutation.
func (c *Connection) State() State { return c.state }

// Idle reports whether the connection is available for borrowing.
func (c *Connection) Idle() bool { return c.state == StateIdle }

// Key identifies the host bucket a connection belongs to.
func (c *Connection) Key() string {
	return hostKey(c.Scheme, c.Host, c.Port)
}

func hostKey(scheme, host string, port int) string {
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}
