package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"energyd/chain"
	"energyd/core/energy"
	"energyd/observability"
	"energyd/stream"
)

// ErrClosed is returned when an action is attempted on a torn-down session.
var ErrClosed = errors.New("session: closed")

// ErrInvalidAmount is returned for non-positive or non-finite amounts.
var ErrInvalidAmount = errors.New("session: amount must be a positive finite number")

// ErrNoSpendableBalance is returned when a burn cannot be bounded to a
// positive amount.
var ErrNoSpendableBalance = errors.New("session: no spendable balance to burn")

// State describes the session lifecycle as visible to presentation.
type State int

const (
	// StateUnconnected means no subject is being mirrored.
	StateUnconnected State = iota
	// StateConnecting means the first connection for the subject is in
	// progress and no snapshot has arrived yet.
	StateConnecting
	// StateLive means the stream is connected and snapshots are current.
	StateLive
	// StateDegraded means the stream dropped and a reconnect is pending;
	// the last snapshot is retained.
	StateDegraded
	// StateOffline means the retry budget is exhausted. The last snapshot
	// remains displayed, marked stale, until an explicit retry.
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateDegraded:
		return "degraded"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Connector is the slice of the stream manager the session drives.
// *stream.Manager satisfies it.
type Connector interface {
	Connect(subject string)
	Disconnect()
	Retry()
}

// CapacityProvider supplies the capacity fallback (base plus bonus) used
// when a snapshot arrives without a capacity field.
type CapacityProvider interface {
	Capacity(ctx context.Context, subject string) (float64, error)
}

// Notice is a transient presentation notification emitted by actions.
type Notice struct {
	Kind    string    `json:"kind"`
	Granted float64   `json:"granted"`
	Wasted  float64   `json:"wasted"`
	At      time.Time `json:"at"`
}

// Notifier receives transient notices. Implementations must not block.
type Notifier interface {
	Notify(Notice)
}

// Status is the full client-visible session state.
type Status struct {
	Subject        string         `json:"subject"`
	State          string         `json:"state"`
	Stale          bool           `json:"stale"`
	StreamError    string         `json:"streamError,omitempty"`
	Display        energy.Display `json:"display"`
	PendingActions int            `json:"pendingActions"`
	LastNotice     *Notice        `json:"lastNotice,omitempty"`
}

// Config carries the session tunables.
type Config struct {
	Subject    string
	HarvestTTL time.Duration
	BurnTTL    time.Duration
	MaxBurn    float64
}

const (
	defaultHarvestTTL = 30 * time.Second
	defaultBurnTTL    = 60 * time.Second
	defaultMaxBurn    = 1e9
)

// Session owns the authoritative snapshot, the optimistic overlay and the
// stream connection for one subject; all three are constructed and torn
// down together. Overlay expiries run on a single rearmed timer.
type Session struct {
	cfg       Config
	submitter chain.Submitter
	capacity  CapacityProvider
	notifier  Notifier
	logger    *slog.Logger
	metrics   *observability.EnergyMetrics
	now       func() time.Time
	newID     func() string

	conn Connector

	mu         sync.Mutex
	subject    string
	snap       energy.Snapshot
	hasSnap    bool
	arena      *arena
	state      State
	streamErr  error
	lastNotice *Notice
	timer      *time.Timer
	closed     bool
}

// SessionOption customises the session.
type SessionOption func(*Session)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) SessionOption {
	return func(s *Session) { s.now = clock }
}

// WithNotifier supplies the transient-notice sink.
func WithNotifier(n Notifier) SessionOption {
	return func(s *Session) { s.notifier = n }
}

// WithLogger supplies a structured logger.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.EnergyMetrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithIDGenerator overrides action id generation.
func WithIDGenerator(gen func() string) SessionOption {
	return func(s *Session) { s.newID = gen }
}

// New constructs a session. Bind must be called with the stream connector
// before Start.
func New(cfg Config, submitter chain.Submitter, capacity CapacityProvider, opts ...SessionOption) *Session {
	if cfg.HarvestTTL <= 0 {
		cfg.HarvestTTL = defaultHarvestTTL
	}
	if cfg.BurnTTL <= 0 {
		cfg.BurnTTL = defaultBurnTTL
	}
	if cfg.MaxBurn <= 0 {
		cfg.MaxBurn = defaultMaxBurn
	}
	s := &Session{
		cfg:       cfg,
		submitter: submitter,
		capacity:  capacity,
		logger:    slog.Default(),
		metrics:   observability.Energy(),
		now:       time.Now,
		newID:     uuid.NewString,
		arena:     newArena(),
		state:     StateUnconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bind attaches the stream connector driving this session.
func (s *Session) Bind(conn Connector) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// Start begins mirroring the configured subject.
func (s *Session) Start() {
	s.Select(s.cfg.Subject)
}

// Select switches the mirrored subject. The prior stream connection is
// torn down and the prior overlay and snapshot are discarded before any
// snapshot for the new subject can be projected.
func (s *Session) Select(subject string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.subject = subject
	s.snap = energy.Snapshot{}
	s.hasSnap = false
	s.arena.reset()
	s.stopTimerLocked()
	s.streamErr = nil
	s.lastNotice = nil
	s.state = StateConnecting
	conn := s.conn
	s.mu.Unlock()
	s.metrics.OverlayEntries(0)
	if conn != nil {
		conn.Connect(subject)
	}
}

// Reconnect is the explicit retry trigger out of the offline state; it
// restarts the stream with a fresh retry budget.
func (s *Session) Reconnect() {
	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	s.mu.Unlock()
	if closed || conn == nil {
		return
	}
	conn.Retry()
}

// Close tears the session down: the stream connection, every pending
// expiry and the overlay all go together. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopTimerLocked()
	s.arena.reset()
	s.snap = energy.Snapshot{}
	s.hasSnap = false
	s.state = StateUnconnected
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Disconnect()
	}
}

// HandleSnapshot ingests one raw payload from the stream. Malformed
// payloads are logged and dropped; the prior snapshot is retained.
func (s *Session) HandleSnapshot(subject string, payload []byte) {
	fallback := s.fallbackCapacity(subject)
	snap, err := energy.DecodeSnapshot(payload, fallback)
	if err != nil {
		s.logger.Warn("dropping malformed snapshot", "subject", subject, "err", err)
		s.metrics.PayloadError()
		return
	}
	s.mu.Lock()
	if s.closed || subject != s.subject {
		s.mu.Unlock()
		return
	}
	s.snap = snap
	s.hasSnap = true
	s.mu.Unlock()
	s.metrics.SnapshotApplied()
}

// HandleStreamState maps stream transitions onto the session state.
func (s *Session) HandleStreamState(state stream.State, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	switch state {
	case stream.StateConnected:
		s.state = StateLive
		s.streamErr = nil
	case stream.StateConnecting:
		if s.state != StateLive && s.state != StateDegraded {
			s.state = StateConnecting
		}
	case stream.StateReconnecting:
		s.state = StateDegraded
		s.streamErr = err
	case stream.StateFailed:
		s.state = StateOffline
		s.streamErr = err
	case stream.StateDisconnected:
		s.state = StateUnconnected
	}
	current := s.state
	s.mu.Unlock()
	s.metrics.SessionState(current.String())
}

// Status projects the current snapshot through the overlay.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := Status{
		Subject:        s.subject,
		State:          s.state.String(),
		Stale:          s.state == StateOffline,
		Display:        energy.Project(s.snap, s.arena.view()),
		PendingActions: s.arena.size(),
		LastNotice:     s.lastNotice,
	}
	if s.streamErr != nil {
		status.StreamError = s.streamErr.Error()
	}
	return status
}

// fallbackCapacity resolves base-plus-bonus capacity from the collaborator
// for payloads that omit the capacity field. Lookup failures degrade to
// zero rather than blocking snapshot ingestion.
func (s *Session) fallbackCapacity(subject string) float64 {
	if s.capacity == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	capacity, err := s.capacity.Capacity(ctx, subject)
	if err != nil {
		// The provider degrades to base capacity on failure; use what it
		// returned and note the miss.
		s.logger.Warn("capacity lookup failed", "subject", subject, "err", err)
	}
	return capacity
}

// stopTimerLocked cancels the expiry timer, if armed.
func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// rearmLocked points the single expiry timer at the earliest pending
// expiry.
func (s *Session) rearmLocked() {
	s.stopTimerLocked()
	next, ok := s.arena.nextExpiry()
	if !ok {
		return
	}
	delay := next.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.timer = time.AfterFunc(delay, s.expireTick)
}

// expireTick unwinds every due overlay entry. Expiring an entry that was
// already removed is a no-op, so late ticks are harmless.
func (s *Session) expireTick() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	expired := s.arena.expireDue(s.now())
	s.rearmLocked()
	size := s.arena.size()
	s.mu.Unlock()
	if expired > 0 {
		s.metrics.OverlayExpired(expired)
		s.metrics.OverlayEntries(size)
	}
}
