package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/clawroute/clawroute/internal/infrastructure/config"
	gwerr "github.com/clawroute/clawroute/pkg/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Pool manages upstream connection slots per host with global and per-host
// caps, a priority waiter queue, and idle reaping.
//
// All mutation is serialized under one mutex. The only waiter code running
// outside the critical section is the receive on its completion channel.
// The pool never calls into the health tracker or router under its lock.
type Pool struct {
	mu      sync.Mutex
	cfg     config.PoolConfig
	conns   map[string][]*Connection // host key → connections
	total   int
	waiters []*waiter
	waitSeq int64
	closed  bool
	stopCh  chan struct{}
	logger  *zap.Logger
}

// waiter is a queued acquire request. Ordered by priority (high first), then
// FIFO within a priority.
type waiter struct {
	id       string
	key      string
	scheme   string
	host     string
	port     int
	priority Priority
	seq      int64
	queuedAt time.Time
	done     chan *Connection // buffered; completion runs outside the pool lock
	gone     bool             // timed out or cancelled, remove lazily
}

// New creates a pool and starts its idle sweep.
func New(cfg config.PoolConfig, logger *zap.Logger) *Pool {
	p := &Pool{
		cfg:    cfg,
		conns:  make(map[string][]*Connection),
		stopCh: make(chan struct{}),
		logger: logger.With(zap.String("component", "connection-pool")),
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Idle sweep stopped by panic",
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		p.sweepLoop()
	}()
	return p
}

// Acquire borrows a connection slot for (scheme, host, port).
//
//  1. The idle connection with the lowest usage count is reused.
//  2. Otherwise a new connection is created if both caps allow it.
//  3. Otherwise the caller queues as a waiter and is released in
//     priority+FIFO order; waiting is bounded by the connection timeout
//     and the caller's context.
func (p *Pool) Acquire(ctx context.Context, scheme, host string, port int, priority Priority) (*Connection, error) {
	key := hostKey(scheme, host, port)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, gwerr.New(gwerr.KindInternal, "connection pool closed")
	}

	if conn := p.takeLocked(key); conn != nil {
		p.mu.Unlock()
		return conn, nil
	}

	w := &waiter{
		id:       uuid.NewString(),
		key:      key,
		scheme:   scheme,
		host:     host,
		port:     port,
		priority: priority,
		seq:      p.waitSeq,
		queuedAt: time.Now(),
		done:     make(chan *Connection, 1),
	}
	p.waitSeq++
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timeout := p.cfg.ConnectionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case conn := <-w.done:
		return conn, nil
	case <-ctx.Done():
		p.abandonWaiter(w)
		return nil, gwerr.Wrap(gwerr.KindClientCancelled, "acquire cancelled", ctx.Err())
	case <-timer.C:
		p.abandonWaiter(w)
		return nil, gwerr.New(gwerr.KindTimeout, "connection acquire timeout")
	}
}

// takeLocked reuses the least-used idle connection or creates a new one
// within caps. Returns nil when the caller must wait.
func (p *Pool) takeLocked(key string) *Connection {
	var best *Connection
	for _, c := range p.conns[key] {
		if c.state != StateIdle {
			continue
		}
		if best == nil || c.UsageCount < best.UsageCount {
			best = c
		}
	}
	if best != nil {
		best.state = StateBusy
		best.UsageCount++
		best.LastUsedAt = time.Now()
		return best
	}

	if len(p.conns[key]) < p.cfg.MaxConnectionsPerHost && p.total < p.cfg.MaxConnections {
		parts := splitKey(key)
		conn := newConnection(parts.scheme, parts.host, parts.port)
		conn.state = StateBusy
		conn.UsageCount = 1
		p.conns[key] = append(p.conns[key], conn)
		p.total++
		return conn
	}

	return nil
}

// Release returns a borrowed connection to the idle set and immediately
// runs waiter processing.
func (p *Pool) Release(conn *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn.state != StateBusy {
		return
	}
	conn.state = StateIdle
	conn.LastUsedAt = time.Now()
	p.processWaitersLocked()
}

// Discard destroys a connection that must not be reused (transport error,
// cancelled mid-body). Freed capacity releases waiters.
func (p *Pool) Discard(conn *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn.state = StateError
	p.removeLocked(conn)
	p.processWaitersLocked()
}

// CheckHealth marks a connection unusable when its state is incompatible
// with reuse.
func (p *Pool) CheckHealth(conn *Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch conn.state {
	case StateBusy, StateIdle, StateConnected:
		return true
	default:
		conn.state = StateError
		return false
	}
}

// processWaitersLocked satisfies queued waiters in priority+FIFO order while
// connections or capacity are available.
func (p *Pool) processWaitersLocked() {
	if len(p.waiters) == 0 {
		return
	}

	sort.SliceStable(p.waiters, func(i, j int) bool {
		if p.waiters[i].priority != p.waiters[j].priority {
			return p.waiters[i].priority > p.waiters[j].priority
		}
		return p.waiters[i].seq < p.waiters[j].seq
	})

	// A waiter blocked on one host must not starve a satisfiable waiter on
	// another, so the whole queue is scanned in order.
	remaining := make([]*waiter, 0, len(p.waiters))
	for _, w := range p.waiters {
		if w.gone {
			continue
		}
		conn := p.takeLocked(w.key)
		if conn == nil {
			remaining = append(remaining, w)
			continue
		}
		w.done <- conn
	}
	p.waiters = remaining
}

func (p *Pool) abandonWaiter(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w.gone = true
	// The waiter may have been satisfied concurrently; return the slot.
	select {
	case conn := <-w.done:
		conn.state = StateIdle
		conn.UsageCount--
		p.processWaitersLocked()
	default:
	}
}

func (p *Pool) removeLocked(conn *Connection) {
	key := conn.Key()
	list := p.conns[key]
	for i, c := range list {
		if c.ID == conn.ID {
			p.conns[key] = append(list[:i], list[i+1:]...)
			p.total--
			break
		}
	}
	conn.state = StateClosed
	if len(p.conns[key]) == 0 {
		delete(p.conns, key)
	}
}

// sweepLoop evicts idle connections past the idle timeout and trims the idle
// set down to the max-idle cap, on a 1s tick.
func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	idleTimeout := p.cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 90 * time.Second
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	idleCount := 0
	var victims []*Connection
	for _, list := range p.conns {
		for _, c := range list {
			switch c.state {
			case StateError, StateClosing:
				victims = append(victims, c)
			case StateIdle:
				idleCount++
				if now.Sub(c.LastUsedAt) > idleTimeout {
					victims = append(victims, c)
				}
			}
		}
	}

	for _, c := range victims {
		if c.state == StateIdle {
			idleCount--
		}
		p.removeLocked(c)
	}

	// Trim surplus idle connections, oldest first.
	if p.cfg.MaxIdle > 0 && idleCount > p.cfg.MaxIdle {
		var idle []*Connection
		for _, list := range p.conns {
			for _, c := range list {
				if c.state == StateIdle {
					idle = append(idle, c)
				}
			}
		}
		sort.Slice(idle, func(i, j int) bool {
			return idle[i].LastUsedAt.Before(idle[j].LastUsedAt)
		})
		for _, c := range idle[:len(idle)-p.cfg.MaxIdle] {
			p.removeLocked(c)
		}
	}
}

// Stats reports current pool occupancy.
type Stats struct {
	Total   int `json:"total"`
	Busy    int `json:"busy"`
	Idle    int `json:"idle"`
	Waiting int `json:"waiting"`
}

// Stats returns a point-in-time occupancy snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Total: p.total}
	for _, list := range p.conns {
		for _, c := range list {
			switch c.state {
			case StateBusy:
				s.Busy++
			case StateIdle:
				s.Idle++
			}
		}
	}
	for _, w := range p.waiters {
		if !w.gone {
			s.Waiting++
		}
	}
	return s
}

// Close stops the sweep and closes every connection.
func (p *Pool) Close() {
	close(p.stopCh)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for key, list := range p.conns {
		for _, c := range list {
			c.state = StateClosed
		}
		delete(p.conns, key)
	}
	p.total = 0
}

type keyParts struct {
	scheme string
	host   string
	port   int
}

func splitKey(key string) keyParts {
	// Inverse of hostKey; keys are always built by hostKey so the format
	// is trusted.
	var kp keyParts
	rest := key
	for i := 0; i+2 < len(rest); i++ {
		if rest[i] == ':' && rest[i+1] == '/' && rest[i+2] == '/' {
			kp.scheme = rest[:i]
			rest = rest[i+3:]
			break
		}
	}
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == ':' {
			kp.host = rest[:i]
			port := 0
			for _, ch := range rest[i+1:] {
				port = port*10 + int(ch-'0')
			}
			kp.port = port
			break
		}
	}
	return kp
}
