package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"energyd/observability"
)

// State describes the connection lifecycle of the push stream.
type State int

const (
	// StateDisconnected means no connection exists and none is pending.
	StateDisconnected State = iota
	// StateConnecting means a dial is in progress.
	StateConnecting
	// StateConnected means the stream is live.
	StateConnected
	// StateReconnecting means the stream dropped and a retry is scheduled.
	StateReconnecting
	// StateFailed means the retry budget is exhausted; only a fresh
	// Connect or Retry leaves this state.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	// DefaultMaxAttempts bounds how many reconnects are tried before the
	// manager settles into StateFailed.
	DefaultMaxAttempts = 5
	// DefaultBackoffBase is the first retry delay; it doubles per attempt.
	DefaultBackoffBase = time.Second
	// DefaultBackoffCap bounds any single retry delay.
	DefaultBackoffCap = 30 * time.Second
)

// RetryDelay computes the bounded exponential backoff for the given
// zero-based attempt: min(base << attempt, cap).
func RetryDelay(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}

// Handler receives manager callbacks. OnSnapshot runs on the connection
// goroutine; OnState runs on whichever goroutine triggered the transition,
// after the manager released its internal lock, so handlers may call back
// into the manager.
type Handler struct {
	// OnSnapshot is invoked with every raw payload received for the
	// subject the connection was opened for.
	OnSnapshot func(subject string, payload []byte)
	// OnState is invoked on every state transition. err is non-nil for
	// StateReconnecting and StateFailed.
	OnState func(state State, err error)
}

// Manager owns a single push-stream connection per subject and recovers
// transport failures with bounded exponential backoff. Connecting to a new
// subject tears down any prior connection first.
type Manager struct {
	transport   Transport
	handler     Handler
	logger      *slog.Logger
	metrics     *observability.EnergyMetrics
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration

	mu         sync.Mutex
	state      State
	subject    string
	attempt    int
	generation uint64
	cancel     context.CancelFunc
	retryTimer *time.Timer
	lastErr    error
}

// Option customises the manager.
type Option func(*Manager)

// WithBackoff overrides the retry delay parameters.
func WithBackoff(base, cap time.Duration) Option {
	return func(m *Manager) {
		m.backoffBase = base
		m.backoffCap = cap
	}
}

// WithMaxAttempts overrides the reconnect budget.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) { m.maxAttempts = n }
}

// WithLogger supplies a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(metrics *observability.EnergyMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager constructs a connection manager over the supplied transport.
func NewManager(transport Transport, handler Handler, opts ...Option) *Manager {
	m := &Manager{
		transport:   transport,
		handler:     handler,
		logger:      slog.Default(),
		metrics:     observability.Energy(),
		maxAttempts: DefaultMaxAttempts,
		backoffBase: DefaultBackoffBase,
		backoffCap:  DefaultBackoffCap,
		state:       StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect opens the stream for the subject, tearing down any prior
// connection and resetting the retry budget.
func (m *Manager) Connect(subject string) {
	m.mu.Lock()
	m.teardownLocked()
	m.subject = subject
	m.attempt = 0
	m.lastErr = nil
	notify := m.startLocked()
	m.mu.Unlock()
	notify()
}

// Retry restarts the connection for the current subject with a fresh
// retry budget. It is the explicit recovery trigger out of StateFailed.
func (m *Manager) Retry() {
	m.mu.Lock()
	subject := m.subject
	m.mu.Unlock()
	if subject == "" {
		return
	}
	m.Connect(subject)
}

// Disconnect closes any open connection and cancels any pending retry.
// Safe to call repeatedly and on a manager that never connected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.teardownLocked()
	notify := m.setStateLocked(StateDisconnected, nil)
	m.mu.Unlock()
	notify()
}

// State reports the current connection state and the last transport error.
func (m *Manager) State() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.lastErr
}

// Subject reports the subject of the current connection, if any.
func (m *Manager) Subject() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subject
}

func (m *Manager) teardownLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.generation++
}

func (m *Manager) startLocked() func() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.generation++
	generation := m.generation
	subject := m.subject
	notify := m.setStateLocked(StateConnecting, nil)
	go m.run(ctx, generation, subject)
	return notify
}

func (m *Manager) run(ctx context.Context, generation uint64, subject string) {
	err := m.transport.Run(ctx, subject,
		func() { m.onOpen(generation) },
		func(payload []byte) { m.onPayload(generation, subject, payload) },
	)

	m.mu.Lock()
	if generation != m.generation || ctx.Err() != nil {
		// A newer connection or an explicit disconnect superseded this
		// goroutine; its outcome no longer matters.
		m.mu.Unlock()
		return
	}
	m.lastErr = err
	var notify func()
	if m.attempt >= m.maxAttempts {
		m.logger.Error("stream offline, giving up",
			"subject", subject, "attempts", m.attempt, "err", err)
		m.metrics.StreamFailure()
		notify = m.setStateLocked(StateFailed, fmt.Errorf("stream offline after %d attempts: %w", m.attempt, err))
	} else {
		delay := RetryDelay(m.attempt, m.backoffBase, m.backoffCap)
		m.attempt++
		m.logger.Warn("stream dropped, scheduling reconnect",
			"subject", subject, "attempt", m.attempt, "delay", delay, "err", err)
		m.metrics.StreamReconnect()
		notify = m.setStateLocked(StateReconnecting, err)
		retryGeneration := m.generation
		m.retryTimer = time.AfterFunc(delay, func() { m.retryFromTimer(retryGeneration) })
	}
	m.mu.Unlock()
	notify()
}

func (m *Manager) retryFromTimer(generation uint64) {
	m.mu.Lock()
	if generation != m.generation {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	notify := m.startLocked()
	m.mu.Unlock()
	notify()
}

func (m *Manager) onOpen(generation uint64) {
	m.mu.Lock()
	if generation != m.generation {
		m.mu.Unlock()
		return
	}
	m.attempt = 0
	m.lastErr = nil
	notify := m.setStateLocked(StateConnected, nil)
	m.mu.Unlock()
	notify()
}

func (m *Manager) onPayload(generation uint64, subject string, payload []byte) {
	m.mu.Lock()
	stale := generation != m.generation
	handler := m.handler.OnSnapshot
	m.mu.Unlock()
	if stale || handler == nil {
		return
	}
	handler(subject, payload)
}

func (m *Manager) setStateLocked(state State, err error) func() {
	m.state = state
	handler := m.handler.OnState
	if handler == nil {
		return func() {}
	}
	return func() { handler(state, err) }
}
