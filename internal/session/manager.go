// ABOUTME: Session Manager: owns the backend session, its state machine and teardown
// ABOUTME: Consumes backend events, publishes challenge/auth/disconnect notifications

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/2389/wabridge/internal/backend"
	"github.com/2389/wabridge/internal/notify"
)

const (
	defaultSettleDelay   = 5 * time.Second
	defaultLogoutRetries = 2
	removeRetries        = 3
	removeRetryDelay     = 200 * time.Millisecond
	inboundQueueSize     = 64
)

// Publisher receives session-state notifications. Implemented by
// notify.Broadcaster.
type Publisher interface {
	PublishChallenge(code string)
	ClearChallenge()
	Publish(event notify.Event)
}

// InboundHandler receives inbound messages and calls from the current session.
type InboundHandler func(ctx context.Context, sess backend.Session, evt backend.Event)

// Config holds Manager settings.
type Config struct {
	// CredentialDir is where the backend keeps credential material. It is
	// deleted on every logout.
	CredentialDir string

	// SettleDelay is how long to wait after the backend reports ready before
	// trusting it. Zero means the 5s default; negative disables the wait.
	SettleDelay time.Duration

	// LogoutRetries is how many extra attempts the backend logout gets.
	LogoutRetries int
}

// instance is one backend session plus the event loop consuming it.
type instance struct {
	sess    backend.Session
	cancel  context.CancelFunc
	done    chan struct{}
	inbound chan backend.Event
}

// Manager owns the single backend session.
type Manager struct {
	backend   backend.Backend
	publisher Publisher
	cfg       Config
	logger    *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// lifecycle serializes Create, Logout and Close.
	lifecycle sync.Mutex

	mu            sync.RWMutex
	current       *instance
	state         State
	authenticated bool
	challenge     string
	closed        bool
	watchers      []func(State)
	inbound       InboundHandler
}

// NewManager creates a Manager. No backend session exists until Create.
func NewManager(b backend.Backend, publisher Publisher, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.LogoutRetries < 0 {
		cfg.LogoutRetries = defaultLogoutRetries
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		backend:    b,
		publisher:  publisher,
		cfg:        cfg,
		logger:     logger.With("component", "session"),
		baseCtx:    ctx,
		baseCancel: cancel,
		state:      StateUninitialized,
	}
}

// Watch registers fn to be called after every state transition.
func (m *Manager) Watch(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, fn)
}

// OnInbound installs the handler for inbound messages and calls.
func (m *Manager) OnInbound(h InboundHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound = h
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Authenticated reports whether the session reached READY and has not
// disconnected since.
func (m *Manager) Authenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authenticated
}

// Challenge returns the pending pairing challenge, if any.
func (m *Manager) Challenge() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.challenge, m.challenge != ""
}

// CredentialDir returns the configured credential directory.
func (m *Manager) CredentialDir() string {
	return m.cfg.CredentialDir
}

// Create allocates a fresh backend session and begins initialization. Any
// existing session is retired first.
func (m *Manager) Create(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.createLocked(ctx)
}

// createLocked must be called with m.lifecycle held.
func (m *Manager) createLocked(ctx context.Context) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if old := m.detach(); old != nil {
		if err := old.sess.Destroy(ctx); err != nil {
			m.logger.Warn("destroying previous session", "error", err)
		}
	}

	sess, err := m.backend.Open(ctx, m.cfg.CredentialDir)
	if err != nil {
		return fmt.Errorf("opening backend session: %w", err)
	}

	loopCtx, cancel := context.WithCancel(m.baseCtx)
	inst := &instance{
		sess:    sess,
		cancel:  cancel,
		done:    make(chan struct{}),
		inbound: make(chan backend.Event, inboundQueueSize),
	}

	m.mu.Lock()
	m.current = inst
	m.authenticated = false
	m.challenge = ""
	m.mu.Unlock()
	m.setState(inst, StateInitializing)

	go m.run(loopCtx, inst)
	go m.serveInbound(loopCtx, inst)

	m.logger.Info("initializing backend session", "credential_dir", m.cfg.CredentialDir)
	if err := sess.Start(ctx); err != nil {
		m.setState(inst, StateDisconnected)
		return fmt.Errorf("starting backend session: %w", err)
	}
	return nil
}

// detach removes the current instance and stops its event loop. The caller
// owns destroying the returned backend session.
func (m *Manager) detach() *instance {
	m.mu.Lock()
	inst := m.current
	m.current = nil
	m.authenticated = false
	m.challenge = ""
	m.mu.Unlock()

	if inst == nil {
		return nil
	}
	inst.cancel()
	if m.publisher != nil {
		m.publisher.ClearChallenge()
	}
	return inst
}

// run consumes one instance's events until its context is cancelled or the
// backend closes the channel.
func (m *Manager) run(ctx context.Context, inst *instance) {
	defer close(inst.done)

	events := inst.sess.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			m.handle(ctx, inst, evt)
		}
	}
}

func (m *Manager) isCurrent(inst *instance) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current == inst
}

func (m *Manager) handle(ctx context.Context, inst *instance, evt backend.Event) {
	if !m.isCurrent(inst) {
		return
	}

	switch evt.Type {
	case backend.EventChallenge:
		m.onChallenge(inst, evt.Code)
	case backend.EventAuthenticated:
		m.logger.Info("backend authenticated")
		m.setState(inst, StateAuthenticating)
	case backend.EventReady:
		m.onReady(ctx, inst)
	case backend.EventDisconnected:
		m.onDisconnected(inst, evt.Reason)
	case backend.EventChallengeExpired:
		m.onChallengeExpired(inst, evt.Reason)
	case backend.EventAuthFailure:
		m.logger.Error("backend authentication failure", "reason", evt.Reason)
	case backend.EventStateChange:
		m.logger.Info("backend connection state changed", "state", evt.State)
	case backend.EventLoading:
		m.logger.Info("backend loading", "percent", evt.Percent, "message", evt.Text)
	case backend.EventMessage, backend.EventCall:
		select {
		case inst.inbound <- evt:
		default:
			m.logger.Warn("inbound queue full, dropping event", "type", evt.Type)
		}
	}
}

// serveInbound runs the inbound handler off the lifecycle loop, in arrival
// order, so slow replies never delay state transitions.
func (m *Manager) serveInbound(ctx context.Context, inst *instance) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-inst.inbound:
			m.mu.RLock()
			h := m.inbound
			m.mu.RUnlock()
			if h != nil {
				h(ctx, inst.sess, evt)
			}
		}
	}
}

func (m *Manager) onChallenge(inst *instance, code string) {
	m.mu.Lock()
	if m.current != inst {
		m.mu.Unlock()
		return
	}
	m.challenge = code
	m.mu.Unlock()

	m.logger.Info("pairing challenge issued")
	if m.publisher != nil {
		m.publisher.PublishChallenge(code)
	}
	m.setState(inst, StateQRPending)
}

func (m *Manager) onReady(ctx context.Context, inst *instance) {
	m.mu.Lock()
	if m.current != inst {
		m.mu.Unlock()
		return
	}
	m.challenge = ""
	m.mu.Unlock()
	if m.publisher != nil {
		m.publisher.ClearChallenge()
	}

	m.logger.Info("backend ready, settling", "delay", m.cfg.SettleDelay)
	if m.cfg.SettleDelay > 0 {
		t := time.NewTimer(m.cfg.SettleDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	state, err := inst.sess.State(ctx)
	if err != nil {
		m.logger.Warn("querying backend state after ready", "error", err)
	} else {
		m.logger.Info("backend state after ready", "state", state)
	}

	m.mu.Lock()
	if m.current != inst {
		m.mu.Unlock()
		return
	}
	m.authenticated = true
	m.mu.Unlock()
	m.setState(inst, StateReady)

	if m.publisher != nil {
		m.publisher.Publish(notify.Event{Type: notify.EventAuthenticated})
	}
}

func (m *Manager) onDisconnected(inst *instance, reason string) {
	m.mu.Lock()
	if m.current != inst {
		m.mu.Unlock()
		return
	}
	m.authenticated = false
	m.challenge = ""
	m.mu.Unlock()

	m.logger.Warn("backend disconnected", "reason", reason)
	m.setState(inst, StateDisconnected)
	if m.publisher != nil {
		m.publisher.Publish(notify.Event{Type: notify.EventDisconnected})
	}
}

// onChallengeExpired starts a fresh pairing cycle when the backend stops
// issuing challenges. It is not a disconnect: nothing is broadcast besides the
// next challenge.
func (m *Manager) onChallengeExpired(inst *instance, reason string) {
	m.mu.Lock()
	if m.current != inst || m.authenticated {
		m.mu.Unlock()
		return
	}
	m.challenge = ""
	m.mu.Unlock()
	if m.publisher != nil {
		m.publisher.ClearChallenge()
	}

	m.logger.Info("pairing challenge expired, reopening session", "reason", reason)

	// Recreation destroys inst, whose event loop is the caller.
	go m.renewChallenge(inst)
}

func (m *Manager) renewChallenge(inst *instance) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	// A logout or close may have replaced inst in the meantime.
	if !m.isCurrent(inst) {
		return
	}
	if err := m.createLocked(m.baseCtx); err != nil && !errors.Is(err, ErrClosed) {
		m.logger.Error("reopening session after challenge expiry", "error", err)
	}
}

// setState transitions to s if inst is still current (nil inst skips the
// check) and notifies watchers outside the lock.
func (m *Manager) setState(inst *instance, s State) {
	m.mu.Lock()
	if inst != nil && m.current != inst {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = s
	watchers := append([]func(State){}, m.watchers...)
	m.mu.Unlock()

	if prev != s {
		m.logger.Debug("session state", "from", prev, "to", s)
	}
	for _, w := range watchers {
		w(s)
	}
}

// Status derives the API-facing status from the authenticated flag and a
// live backend state query.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	m.mu.RLock()
	inst := m.current
	authenticated := m.authenticated
	m.mu.RUnlock()

	if !authenticated || inst == nil {
		return Status{Status: StatusDisconnected}, nil
	}

	state, err := inst.sess.State(ctx)
	if errors.Is(err, backend.ErrSessionClosed) {
		// A logout or recreation destroyed inst after it was read.
		return Status{Status: StatusDisconnected}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("querying backend state: %w", err)
	}
	if state != backend.StateConnected {
		return Status{Status: StatusConnecting}, nil
	}
	return Status{Status: StatusConnected, Number: inst.sess.Identity()}, nil
}

// Ready returns the backend session if it is READY and the backend confirms
// it is connected. Otherwise the error wraps ErrNotReady.
func (m *Manager) Ready(ctx context.Context) (backend.Session, error) {
	m.mu.RLock()
	inst := m.current
	authenticated := m.authenticated
	state := m.state
	m.mu.RUnlock()

	if inst == nil {
		return nil, fmt.Errorf("%w: %w", ErrNotReady, ErrNoSession)
	}
	if !authenticated || state != StateReady {
		return nil, fmt.Errorf("%w: client is not ready, try again later", ErrNotReady)
	}

	bs, err := inst.sess.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: querying backend state: %v", ErrNotReady, err)
	}
	if bs != backend.StateConnected {
		return nil, fmt.Errorf("%w: client is not connected (state %s)", ErrNotReady, bs)
	}
	return inst.sess, nil
}

// Logout unlinks the account, destroys the session, deletes the credential
// directory, and creates a new session that starts a fresh pairing cycle.
//
// The backend logout is retried; if it keeps failing nothing else is touched
// and the returned TeardownError has RolledBack set. Once logout succeeds the
// remaining steps always run, and any failures are reported together with the
// terminal state. A missing session is not an error.
func (m *Manager) Logout(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.RLock()
	inst := m.current
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	var failed []StepError

	if inst != nil {
		m.logger.Info("logging out")
		var err error
		for attempt := 0; attempt <= m.cfg.LogoutRetries; attempt++ {
			if err = inst.sess.Logout(ctx); err == nil {
				break
			}
			m.logger.Warn("backend logout failed", "attempt", attempt+1, "error", err)
		}
		if err != nil {
			return &TeardownError{
				Steps:      []StepError{{Step: StepLogout, Err: err}},
				State:      m.State(),
				RolledBack: true,
			}
		}
		m.logger.Info("logout complete")

		m.detach()
		if err := inst.sess.Destroy(ctx); err != nil {
			m.logger.Warn("destroying session", "error", err)
			failed = append(failed, StepError{Step: StepDestroy, Err: err})
		}
		m.setState(nil, StateUninitialized)
	}

	if err := m.removeCredentials(); err != nil {
		failed = append(failed, StepError{Step: StepRemove, Err: err})
	}

	m.logger.Info("creating new session")
	if err := m.createLocked(ctx); err != nil {
		failed = append(failed, StepError{Step: StepRecreate, Err: err})
	}

	if len(failed) > 0 {
		return &TeardownError{Steps: failed, State: m.State()}
	}
	return nil
}

func (m *Manager) removeCredentials() error {
	dir := m.cfg.CredentialDir
	if dir == "" {
		return nil
	}
	var err error
	for attempt := 0; attempt < removeRetries; attempt++ {
		if err = os.RemoveAll(dir); err == nil {
			m.logger.Info("credential data removed", "dir", dir)
			return nil
		}
		m.logger.Warn("removing credential data", "dir", dir, "attempt", attempt+1, "error", err)
		time.Sleep(removeRetryDelay)
	}
	return fmt.Errorf("removing %s: %w", dir, err)
}

// Close destroys the current session without logging out. Credentials are
// kept so the next process start resumes the pairing.
func (m *Manager) Close(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	inst := m.detach()
	m.baseCancel()
	if inst == nil {
		return nil
	}
	err := inst.sess.Destroy(ctx)
	if err != nil && !errors.Is(err, backend.ErrSessionClosed) {
		return fmt.Errorf("destroying session: %w", err)
	}
	return nil
}
