package poll

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jx4life/postbridge/internal/domain"
)

// State is the lifecycle of a polling session.
type State string

const (
	StateIdle     State = "idle"
	StatePolling  State = "polling"
	StateApproved State = "approved"
	StateRevoked  State = "revoked"
	StateTimedOut State = "timed_out"
	StateErrored  State = "errored"
)

// Terminal reports whether the state ends the session.
func (s State) Terminal() bool {
	switch s {
	case StateApproved, StateRevoked, StateTimedOut, StateErrored:
		return true
	}
	return false
}

// Status is the outcome of one status query.
type Status string

const (
	StatusPending  Status = "pending_approval"
	StatusApproved Status = "approved"
	StatusRevoked  Status = "revoked"
)

// Func issues one status query against the pending-approval resource. On
// approval it returns the fully-populated credential (profile enrichment
// included).
type Func func(ctx context.Context) (Status, *domain.Credential, error)

// Config bounds a session.
type Config struct {
	// Interval between ticks when driven by Run.
	Interval time.Duration
	// MaxAttempts is the total tick budget; every tick consumes one slot,
	// errors included.
	MaxAttempts int
	// ErrorThreshold aborts the session after this many consecutive failed
	// polls. Distinct from the attempt budget: transient errors interleaved
	// with pending responses never trip it.
	ErrorThreshold int
}

// Result is the terminal outcome of a session.
type Result struct {
	State      State
	Credential *domain.Credential
	Err        error
}

// Session is an explicit polling state machine. Ticks are driven externally:
// Run drives them with a real ticker, tests call Tick directly.
type Session struct {
	cfg    Config
	poll   Func
	logger *zap.Logger

	mu              sync.Mutex
	state           State
	attempts        int
	consecutiveErrs int
	result          Result

	done       chan struct{}
	cancelOnce sync.Once

	// OnResolve, when set before the first tick, fires exactly once with the
	// terminal result.
	OnResolve func(Result)
}

// NewSession constructs a session in the idle state.
func NewSession(cfg Config, poll Func, logger *zap.Logger) *Session {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 150
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		cfg:    cfg,
		poll:   poll,
		logger: logger,
		state:  StateIdle,
		done:   make(chan struct{}),
	}
}

// Tick performs one status query and advances the machine. It returns false
// once the session has reached a terminal state; no further polls are issued
// after that.
func (s *Session) Tick(ctx context.Context) bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = StatePolling
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	status, cred, err := s.poll(ctx)

	s.mu.Lock()
	if s.state.Terminal() {
		// Cancelled while the poll was in flight.
		s.mu.Unlock()
		return false
	}

	switch {
	case err != nil:
		s.consecutiveErrs++
		s.logger.Debug("poll tick failed",
			zap.Int("attempt", attempt),
			zap.Int("consecutive_errors", s.consecutiveErrs),
			zap.Error(err))
		if s.consecutiveErrs >= s.cfg.ErrorThreshold {
			s.finishLocked(Result{State: StateErrored, Err: err})
			return false
		}
	case status == StatusApproved:
		s.finishLocked(Result{State: StateApproved, Credential: cred})
		return false
	case status == StatusRevoked:
		s.finishLocked(Result{State: StateRevoked})
		return false
	default:
		s.consecutiveErrs = 0
	}

	if s.attempts >= s.cfg.MaxAttempts {
		s.finishLocked(Result{State: StateTimedOut})
		return false
	}
	s.mu.Unlock()
	return true
}

// Run drives the session with a real ticker until it resolves, the context
// is done, or Cancel is called.
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Cancel()
			return
		case <-s.done:
			return
		case <-ticker.C:
			if !s.Tick(ctx) {
				return
			}
		}
	}
}

// Cancel stops the session deterministically. Safe to call multiple times
// and after resolution.
func (s *Session) Cancel() {
	s.mu.Lock()
	if !s.state.Terminal() {
		s.finishLocked(Result{State: StateErrored, Err: context.Canceled})
		return
	}
	s.mu.Unlock()
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Snapshot returns the current state, attempt count, and terminal result.
func (s *Session) Snapshot() (State, int, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.attempts, s.result
}

// finishLocked records the terminal result and releases the lock.
func (s *Session) finishLocked(res Result) {
	s.state = res.State
	s.result = res
	onResolve := s.OnResolve
	s.cancelOnce.Do(func() {
		close(s.done)
	})
	s.mu.Unlock()
	if onResolve != nil {
		onResolve(res)
	}
}

// Manager guarantees at most one live session per key. Starting a new
// session cancels the previous one; no orphaned tickers survive.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager constructs an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Start registers the session under key, cancelling any previous session
// for the same key, and drives it in the background.
func (m *Manager) Start(ctx context.Context, key string, s *Session) {
	m.mu.Lock()
	if prev, ok := m.sessions[key]; ok {
		prev.Cancel()
	}
	m.sessions[key] = s
	m.mu.Unlock()

	go s.Run(ctx)
}

// Get returns the current session for key, live or resolved.
func (m *Manager) Get(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[key]
}

// Cancel stops the session for key if one exists.
func (m *Manager) Cancel(key string) {
	m.mu.Lock()
	s := m.sessions[key]
	m.mu.Unlock()
	if s != nil {
		s.Cancel()
	}
}

// Shutdown cancels every live session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Cancel()
	}
}
