// ABOUTME: Mock Backend implementation for testing
// ABOUTME: Scriptable sessions that record sends and emit events on demand

package backend

import (
	"context"
	"os"
	"sync"
	"time"
)

// mockEventBuffer matches the channel depth the real adapter uses.
const mockEventBuffer = 64

// SentMessage is a send recorded by MockSession.
type SentMessage struct {
	To      string
	Text    string
	Media   *Media
	Caption string
	At      time.Time
}

// MockBackend is an in-memory Backend for tests. Every Open call creates a new
// MockSession; the most recent one is available through Last.
type MockBackend struct {
	mu       sync.Mutex
	sessions []*MockSession
	openErr  error
	setup    func(*MockSession)
}

// NewMockBackend creates a MockBackend.
func NewMockBackend() *MockBackend {
	return &MockBackend{}
}

// SetOpenError makes subsequent Open calls fail with err.
func (b *MockBackend) SetOpenError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openErr = err
}

// OnOpen registers fn to configure each session before Open returns it.
func (b *MockBackend) OnOpen(fn func(*MockSession)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setup = fn
}

// Open creates a session and the credential directory, the way the real
// adapter does.
func (b *MockBackend) Open(ctx context.Context, credentialDir string) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openErr != nil {
		return nil, b.openErr
	}
	if credentialDir != "" {
		if err := os.MkdirAll(credentialDir, 0o700); err != nil {
			return nil, err
		}
	}

	s := &MockSession{
		CredentialDir: credentialDir,
		events:        make(chan Event, mockEventBuffer),
		state:         StateOpening,
	}
	if b.setup != nil {
		b.setup(s)
	}
	b.sessions = append(b.sessions, s)
	return s, nil
}

// Sessions returns every session opened so far, oldest first.
func (b *MockBackend) Sessions() []*MockSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*MockSession, len(b.sessions))
	copy(out, b.sessions)
	return out
}

// Last returns the most recently opened session, or nil.
func (b *MockBackend) Last() *MockSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sessions) == 0 {
		return nil
	}
	return b.sessions[len(b.sessions)-1]
}

// MockSession is a scriptable Session.
type MockSession struct {
	CredentialDir string

	mu       sync.Mutex
	events   chan Event
	closed   bool
	started  int
	state    State
	identity string
	chats    []Chat

	chatQueries int
	sent        []SentMessage
	rejected    []string
	loggedOut   bool
	destroyed   bool

	sendHook   func(ctx context.Context, to string) error
	startErr   error
	stateErr   error
	chatsErr   error
	logoutErr  []error
	destroyErr error
}

// Emit delivers evt on the session's event channel. Emitting after Destroy is
// a no-op.
func (s *MockSession) Emit(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- evt
}

// SetState sets the state returned by State.
func (s *MockSession) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// SetIdentity sets the paired account returned by Identity.
func (s *MockSession) SetIdentity(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
}

// SetChats replaces the chat list returned by Chats.
func (s *MockSession) SetChats(chats []Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = append([]Chat(nil), chats...)
}

// SetSendHook installs fn to run before each send is recorded. A non-nil
// error fails the send. fn may block to simulate a slow backend.
func (s *MockSession) SetSendHook(fn func(ctx context.Context, to string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendHook = fn
}

// SetStartError makes Start fail.
func (s *MockSession) SetStartError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErr = err
}

// SetStateError makes State fail.
func (s *MockSession) SetStateError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateErr = err
}

// SetChatsError makes Chats fail.
func (s *MockSession) SetChatsError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatsErr = err
}

// SetLogoutErrors queues errors returned by successive Logout calls; once the
// queue drains Logout succeeds.
func (s *MockSession) SetLogoutErrors(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logoutErr = append([]error(nil), errs...)
}

// SetDestroyError makes Destroy report err (the session is still closed).
func (s *MockSession) SetDestroyError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyErr = err
}

// Sent returns a copy of the recorded sends.
func (s *MockSession) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// Rejected returns the IDs of rejected calls.
func (s *MockSession) Rejected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rejected...)
}

// ChatQueries reports how many times Chats was called.
func (s *MockSession) ChatQueries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatQueries
}

// Started reports how many times Start was called.
func (s *MockSession) Started() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// LoggedOut reports whether Logout succeeded.
func (s *MockSession) LoggedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedOut
}

// Destroyed reports whether Destroy was called.
func (s *MockSession) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *MockSession) Events() <-chan Event {
	return s.events
}

func (s *MockSession) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	return s.startErr
}

func (s *MockSession) State(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return StateUnknown, ErrSessionClosed
	}
	if s.stateErr != nil {
		return StateUnknown, s.stateErr
	}
	return s.state, nil
}

func (s *MockSession) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *MockSession) Chats(ctx context.Context) ([]Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatQueries++
	if s.chatsErr != nil {
		return nil, s.chatsErr
	}
	return append([]Chat(nil), s.chats...), nil
}

func (s *MockSession) SendText(ctx context.Context, to, text string) error {
	return s.record(ctx, SentMessage{To: to, Text: text})
}

func (s *MockSession) SendMedia(ctx context.Context, to string, media Media, caption string) error {
	m := media
	return s.record(ctx, SentMessage{To: to, Media: &m, Caption: caption})
}

func (s *MockSession) record(ctx context.Context, msg SentMessage) error {
	s.mu.Lock()
	hook := s.sendHook
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, msg.To); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrSessionClosed
	}
	msg.At = time.Now()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *MockSession) RejectCall(ctx context.Context, from, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected = append(s.rejected, callID)
	return nil
}

func (s *MockSession) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.logoutErr) > 0 {
		err := s.logoutErr[0]
		s.logoutErr = s.logoutErr[1:]
		if err != nil {
			return err
		}
	}
	s.loggedOut = true
	s.state = StateUnpaired
	return nil
}

func (s *MockSession) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return s.destroyErr
}

var (
	_ Backend = (*MockBackend)(nil)
	_ Session = (*MockSession)(nil)
)
