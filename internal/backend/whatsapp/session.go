// ABOUTME: whatsmeow-backed Backend and Session implementations
// ABOUTME: One client and one SQLite device store per session, events fanned into a channel

package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/2389/wabridge/internal/backend"
)

const (
	deviceDBName     = "device.db"
	eventBufferSize  = 64
	credentialDirMod = 0o700
)

// Backend opens whatsmeow sessions.
type Backend struct {
	logger *slog.Logger
}

// New creates a Backend.
func New(logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{logger: logger.With("component", "whatsapp")}
}

// Open loads (or creates) the device stored under credentialDir. The session
// does not connect until Start.
func (b *Backend) Open(ctx context.Context, credentialDir string) (backend.Session, error) {
	if err := os.MkdirAll(credentialDir, credentialDirMod); err != nil {
		return nil, fmt.Errorf("creating credential directory: %w", err)
	}

	dsn := "file:" + filepath.Join(credentialDir, deviceDBName) + "?_foreign_keys=on"
	container, err := sqlstore.New(ctx, "sqlite3", dsn, newLogger(b.logger, "store"))
	if err != nil {
		return nil, fmt.Errorf("opening device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("loading device: %w", err)
	}

	client := whatsmeow.NewClient(device, newLogger(b.logger, "client"))
	client.EnableAutoReconnect = false

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		client:    client,
		container: container,
		logger:    b.logger,
		events:    make(chan backend.Event, eventBufferSize),
		done:      make(chan struct{}),
		ctx:       sessCtx,
		cancel:    cancel,
	}
	s.handlerID = client.AddEventHandler(s.onEvent)
	return s, nil
}

// Session is one whatsmeow client.
type Session struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	logger    *slog.Logger
	handlerID uint32

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	events   chan backend.Event
	done     chan struct{}
	closed   bool
	started  bool
	doneOnce sync.Once
}

func (s *Session) Events() <-chan backend.Event {
	return s.events
}

// emit delivers evt unless the session is being destroyed.
func (s *Session) emit(evt backend.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	case <-s.done:
	}
}

func (s *Session) onEvent(raw any) {
	if evt, ok := translate(raw); ok {
		s.emit(evt)
	}
}

// Start connects. An unpaired device first opens the QR channel, whose codes
// are emitted as challenges.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return backend.ErrSessionClosed
	}
	s.started = true
	s.mu.Unlock()

	if s.client.Store.ID == nil {
		qrCh, err := s.client.GetQRChannel(s.ctx)
		if err != nil {
			return fmt.Errorf("opening QR channel: %w", err)
		}
		go s.forwardQR(qrCh)
	}

	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	return nil
}

func (s *Session) forwardQR(qrCh <-chan whatsmeow.QRChannelItem) {
	for item := range qrCh {
		if evt, ok := qrEvent(item); ok {
			s.emit(evt)
		}
	}
}

// State reports the connection state. whatsmeow has no remote state query,
// so it is derived from the client's local view.
func (s *Session) State(ctx context.Context) (backend.State, error) {
	s.mu.RLock()
	closed, started := s.closed, s.started
	s.mu.RUnlock()

	switch {
	case closed:
		return backend.StateUnknown, backend.ErrSessionClosed
	case s.client.Store.ID == nil && s.client.IsConnected():
		return backend.StatePairing, nil
	case s.client.Store.ID == nil:
		return backend.StateUnpaired, nil
	case s.client.IsConnected() && s.client.IsLoggedIn():
		return backend.StateConnected, nil
	case started:
		return backend.StateOpening, nil
	default:
		return backend.StateUnknown, nil
	}
}

func (s *Session) Identity() string {
	if id := s.client.Store.ID; id != nil {
		return id.User
	}
	return ""
}

// Chats lists the groups the account is in. Individual contacts are
// addressed by number and never looked up.
func (s *Session) Chats(ctx context.Context) ([]backend.Chat, error) {
	groups, err := s.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}
	chats := make([]backend.Chat, 0, len(groups))
	for _, g := range groups {
		chats = append(chats, backend.Chat{
			ID:      g.JID.String(),
			Name:    g.Name,
			IsGroup: true,
		})
	}
	return chats, nil
}

func (s *Session) SendText(ctx context.Context, to, text string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("parsing address %q: %w", to, err)
	}
	_, err = s.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	return err
}

func (s *Session) SendMedia(ctx context.Context, to string, media backend.Media, caption string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("parsing address %q: %w", to, err)
	}

	uploaded, err := s.client.Upload(ctx, media.Data, uploadType(media.Kind))
	if err != nil {
		return fmt.Errorf("uploading %s: %w", media.Kind, err)
	}

	msg, captionSent := mediaMessage(media, uploaded, caption)
	if _, err := s.client.SendMessage(ctx, jid, msg); err != nil {
		return err
	}
	if !captionSent && caption != "" {
		return s.SendText(ctx, to, caption)
	}
	return nil
}

func uploadType(k backend.MediaKind) whatsmeow.MediaType {
	switch k {
	case backend.MediaImage:
		return whatsmeow.MediaImage
	case backend.MediaVideo:
		return whatsmeow.MediaVideo
	case backend.MediaAudio:
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

// mediaMessage builds the message for an uploaded file. Audio messages carry
// no caption; the bool reports whether the caption was included.
func mediaMessage(m backend.Media, up whatsmeow.UploadResponse, caption string) (*waE2E.Message, bool) {
	switch m.Kind {
	case backend.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(m.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, true
	case backend.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(m.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, true
	case backend.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(m.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, false
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(caption),
			Title:         proto.String(m.FileName),
			FileName:      proto.String(m.FileName),
			Mimetype:      proto.String(m.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, true
	}
}

func (s *Session) RejectCall(ctx context.Context, from, callID string) error {
	jid, err := types.ParseJID(from)
	if err != nil {
		return fmt.Errorf("parsing caller %q: %w", from, err)
	}
	return s.client.RejectCall(ctx, jid, callID)
}

func (s *Session) Logout(ctx context.Context) error {
	if s.client.Store.ID == nil {
		return nil
	}
	return s.client.Logout(ctx)
}

// Destroy disconnects, closes the device store and the event channel. The
// credential files are left alone.
func (s *Session) Destroy(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	s.client.RemoveEventHandler(s.handlerID)
	s.client.Disconnect()
	s.cancel()

	if err := s.container.Close(); err != nil {
		return fmt.Errorf("closing device store: %w", err)
	}
	return nil
}

var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Session = (*Session)(nil)
)
