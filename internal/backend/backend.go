// ABOUTME: Backend port: session lifecycle, chat listing, and send operations
// ABOUTME: Implemented by the whatsapp adapter and by MockBackend in tests

package backend

import (
	"context"
	"errors"
	"strings"
)

// ErrSessionClosed is returned by operations on a destroyed session.
var ErrSessionClosed = errors.New("backend session closed")

// State is the connection state reported by the remote backend.
type State string

const (
	StateConnected State = "CONNECTED"
	StateOpening   State = "OPENING"
	StatePairing   State = "PAIRING"
	StateUnpaired  State = "UNPAIRED"
	StateConflict  State = "CONFLICT"
	StateTimeout   State = "TIMEOUT"
	StateUnknown   State = "UNKNOWN"
)

// Chat is one entry of the backend's current chat list.
type Chat struct {
	ID      string // resolved address usable as a send target
	Name    string
	IsGroup bool
}

// MediaKind selects how a binary payload is presented to the recipient.
type MediaKind int

const (
	MediaDocument MediaKind = iota
	MediaImage
	MediaVideo
	MediaAudio
)

func (k MediaKind) String() string {
	switch k {
	case MediaImage:
		return "image"
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	default:
		return "document"
	}
}

// KindForMIME picks the media kind for a MIME type. Unknown types are sent as
// documents.
func KindForMIME(mimeType string) MediaKind {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return MediaImage
	case strings.HasPrefix(mt, "video/"):
		return MediaVideo
	case strings.HasPrefix(mt, "audio/"):
		return MediaAudio
	default:
		return MediaDocument
	}
}

// Media is a binary payload with enough metadata for the backend to upload it.
type Media struct {
	Kind     MediaKind
	MimeType string
	FileName string
	Data     []byte
}

// Backend allocates sessions.
type Backend interface {
	// Open creates a fresh, not yet started session whose credentials live
	// under credentialDir.
	Open(ctx context.Context, credentialDir string) (Session, error)
}

// Session is one live connection to the remote backend.
type Session interface {
	// Events returns the channel on which this session reports lifecycle and
	// inbound activity. It is closed by Destroy.
	Events() <-chan Event

	// Start begins initialization: connect, and pair when no credentials exist.
	Start(ctx context.Context) error

	// State queries the backend's current connection state.
	State(ctx context.Context) (State, error)

	// Identity returns the user part of the paired account, or "" before pairing.
	Identity() string

	// Chats returns the live chat list. Implementations must not cache it.
	Chats(ctx context.Context) ([]Chat, error)

	SendText(ctx context.Context, to, text string) error
	SendMedia(ctx context.Context, to string, media Media, caption string) error
	RejectCall(ctx context.Context, from, callID string) error

	// Logout unlinks the device from the account.
	Logout(ctx context.Context) error

	// Destroy releases the connection and closes the event channel.
	Destroy(ctx context.Context) error
}
