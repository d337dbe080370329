// ABOUTME: Payload classification: image/document markers, attachments, plain text
// ABOUTME: Extracts marker URLs and builds captions with the marker stripped

package dispatch

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/2389/wabridge/internal/backend"
)

// PayloadKind is how a body is delivered.
type PayloadKind string

const (
	PayloadText       PayloadKind = "text"
	PayloadImage      PayloadKind = "image"
	PayloadDocument   PayloadKind = "document"
	PayloadAttachment PayloadKind = "attachment"
)

var (
	imageMarker    = regexp.MustCompile(`(?i)\[img\s*=\s*(https?://[^\s\]]+)\s*\]`)
	documentMarker = regexp.MustCompile(`(?i)\[pdf\s*=\s*(https?://[^\s\]]+)\s*\]`)
)

// Attachment is a file uploaded alongside a batch.
type Attachment struct {
	FileName string
	MimeType string
	Data     []byte
}

// Payload is the classified form of a message body.
type Payload struct {
	Kind    PayloadKind
	Text    string
	URL     string
	Caption string
	File    *Attachment
}

// ClassifyPayload picks the delivery form for body. An image marker wins over
// a document marker, either wins over an attachment, and plain text is the
// fallback.
func ClassifyPayload(body string, file *Attachment) Payload {
	if url, caption, ok := extractMarker(imageMarker, body); ok {
		return Payload{Kind: PayloadImage, URL: url, Caption: caption}
	}
	if url, caption, ok := extractMarker(documentMarker, body); ok {
		return Payload{Kind: PayloadDocument, URL: url, Caption: caption}
	}
	if file != nil {
		return Payload{Kind: PayloadAttachment, Caption: body, File: file}
	}
	return Payload{Kind: PayloadText, Text: body}
}

// extractMarker returns the first marker's URL and body with that marker
// removed and surrounding whitespace trimmed.
func extractMarker(re *regexp.Regexp, body string) (url, caption string, ok bool) {
	loc := re.FindStringSubmatchIndex(body)
	if loc == nil {
		return "", "", false
	}
	url = body[loc[2]:loc[3]]
	caption = strings.TrimSpace(body[:loc[0]] + body[loc[1]:])
	return url, caption, true
}

// mediaFor loads the binary content a media payload needs. Fetched URLs are
// cached in cache so a batch downloads each one once.
func (d *Dispatcher) mediaFor(ctx context.Context, p Payload, cache map[string]backend.Media) (backend.Media, error) {
	switch p.Kind {
	case PayloadImage, PayloadDocument:
		if m, ok := cache[p.URL]; ok {
			return m, nil
		}
		m, err := d.fetcher.Fetch(ctx, p.URL)
		if err != nil {
			return backend.Media{}, fmt.Errorf("fetching %s: %w", p.URL, err)
		}
		if p.Kind == PayloadImage {
			m.Kind = backend.MediaImage
		} else {
			m.Kind = backend.MediaDocument
		}
		cache[p.URL] = m
		return m, nil
	case PayloadAttachment:
		return d.stageAttachment(p.File)
	default:
		return backend.Media{}, fmt.Errorf("payload %s carries no media", p.Kind)
	}
}

// stageAttachment writes the upload to a temporary file and loads it back as
// media. The file is removed before returning.
func (d *Dispatcher) stageAttachment(a *Attachment) (backend.Media, error) {
	name := safeFileName(a.FileName)
	f, err := os.CreateTemp(d.cfg.TempDir, "wabridge-*-"+name)
	if err != nil {
		return backend.Media{}, fmt.Errorf("creating temp file: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("removing temp attachment", "path", tmp, "error", err)
		}
	}()

	if _, err := f.Write(a.Data); err != nil {
		f.Close()
		return backend.Media{}, fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return backend.Media{}, fmt.Errorf("closing temp file: %w", err)
	}

	data, err := os.ReadFile(tmp)
	if err != nil {
		return backend.Media{}, fmt.Errorf("reading temp file: %w", err)
	}

	mt := a.MimeType
	if mt == "" || mt == "application/octet-stream" {
		mt = detectMIME(name, data)
	}
	return backend.Media{
		Kind:     backend.KindForMIME(mt),
		MimeType: mt,
		FileName: name,
		Data:     data,
	}, nil
}

// detectMIME guesses a content type from the file extension, then the bytes.
func detectMIME(name string, data []byte) string {
	if mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); mt != "" {
		return mt
	}
	return http.DetectContentType(data)
}

// safeFileName strips directories and temp-pattern wildcards from an
// uploaded name.
func safeFileName(name string) string {
	base := path.Base(filepath.ToSlash(name))
	if base == "." || base == "/" || base == "" {
		return "attachment"
	}
	return strings.ReplaceAll(base, "*", "_")
}
