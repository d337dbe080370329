// ABOUTME: Dispatcher runs outbound batches against the ready backend session
// ABOUTME: Sequential sends with a bounded wait per send and a pause between destinations

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/wabridge/internal/backend"
)

const (
	defaultSendTimeout  = 20 * time.Second
	defaultSendInterval = 5 * time.Second
)

// Outcome is the per-destination result of a send attempt.
type Outcome string

const (
	OutcomeSent         Outcome = "sent"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeNotFound     Outcome = "not-found"
	OutcomeBackendError Outcome = "backend-error"
)

// ReadySource hands out the backend session once it is ready to send.
// Implemented by session.Manager.
type ReadySource interface {
	Ready(ctx context.Context) (backend.Session, error)
}

// Observer is notified of every send attempt.
type Observer interface {
	SendCompleted(kind Kind, payload PayloadKind, outcome Outcome, elapsed time.Duration)
}

// Recorder persists finished batches.
type Recorder interface {
	RecordBatch(ctx context.Context, b Batch) error
}

// Config holds Dispatcher settings.
type Config struct {
	// SendTimeout bounds each send. Zero means 20s.
	SendTimeout time.Duration

	// SendInterval is the pause between destinations. Zero means 5s;
	// negative disables it.
	SendInterval time.Duration

	// TempDir is where attachments are staged. Empty uses os.TempDir.
	TempDir string
}

// Request is one outbound batch.
type Request struct {
	Destinations []string
	Body         string
	Attachment   *Attachment
}

// Result is the outcome for one destination.
type Result struct {
	Destination string        `json:"destination"`
	Kind        Kind          `json:"kind"`
	Address     string        `json:"address,omitempty"`
	Outcome     Outcome       `json:"outcome"`
	Error       string        `json:"error,omitempty"`
	Elapsed     time.Duration `json:"-"`
}

// Batch is a completed batch.
type Batch struct {
	ID            string      `json:"id"`
	Body          string      `json:"body"`
	Payload       PayloadKind `json:"payload"`
	HasAttachment bool        `json:"has_attachment"`
	StartedAt     time.Time   `json:"started_at"`
	FinishedAt    time.Time   `json:"finished_at"`
	Results       []Result    `json:"results"`
}

// Counts tallies results by outcome.
func (b Batch) Counts() map[Outcome]int {
	counts := make(map[Outcome]int, 4)
	for _, r := range b.Results {
		counts[r.Outcome]++
	}
	return counts
}

// Dispatcher sends messages through the ready backend session.
type Dispatcher struct {
	sessions ReadySource
	fetcher  Fetcher
	cfg      Config
	logger   *slog.Logger
	observer Observer
	recorder Recorder
}

// New creates a Dispatcher.
func New(sessions ReadySource, fetcher Fetcher, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.SendInterval == 0 {
		cfg.SendInterval = defaultSendInterval
	}
	return &Dispatcher{
		sessions: sessions,
		fetcher:  fetcher,
		cfg:      cfg,
		logger:   logger.With("component", "dispatcher"),
	}
}

// SetObserver installs a send observer.
func (d *Dispatcher) SetObserver(o Observer) { d.observer = o }

// SetRecorder installs a batch recorder.
func (d *Dispatcher) SetRecorder(r Recorder) { d.recorder = r }

// SendBatch sends req to every destination in order. It fails only if the
// session is not ready; every per-destination failure is recorded in the
// returned Batch instead.
//
// The batch runs to completion even if ctx is cancelled after the readiness
// check; callers wanting that should pass context.WithoutCancel.
func (d *Dispatcher) SendBatch(ctx context.Context, req Request) (*Batch, error) {
	sess, err := d.sessions.Ready(ctx)
	if err != nil {
		return nil, err
	}

	payload := ClassifyPayload(req.Body, req.Attachment)
	batch := &Batch{
		ID:            uuid.New().String(),
		Body:          req.Body,
		Payload:       payload.Kind,
		HasAttachment: req.Attachment != nil,
		StartedAt:     time.Now(),
		Results:       make([]Result, 0, len(req.Destinations)),
	}
	logger := d.logger.With("batch_id", batch.ID)
	logger.Info("batch started", "destinations", len(req.Destinations), "payload", payload.Kind)

	cache := make(map[string]backend.Media)
	for i, raw := range req.Destinations {
		res := d.sendOne(ctx, sess, raw, payload, cache)
		batch.Results = append(batch.Results, res)

		attrs := []any{"destination", res.Destination, "kind", res.Kind, "address", res.Address, "outcome", res.Outcome}
		if res.Outcome == OutcomeSent {
			logger.Info("message sent", attrs...)
		} else {
			logger.Warn("message not sent", append(attrs, "error", res.Error)...)
		}

		if i < len(req.Destinations)-1 {
			d.pause()
		}
	}

	batch.FinishedAt = time.Now()
	logger.Info("batch finished", "elapsed", batch.FinishedAt.Sub(batch.StartedAt))

	if d.recorder != nil {
		if err := d.recorder.RecordBatch(ctx, *batch); err != nil {
			logger.Error("recording batch", "error", err)
		}
	}
	return batch, nil
}

// sendOne resolves one destination and sends the payload to it.
func (d *Dispatcher) sendOne(ctx context.Context, sess backend.Session, raw string, p Payload, cache map[string]backend.Media) Result {
	start := time.Now()
	dest, err := Resolve(ctx, sess, raw)
	res := Result{Destination: dest.Raw, Kind: dest.Kind, Address: dest.Address}
	if err != nil {
		res.Outcome = OutcomeBackendError
		if errors.Is(err, ErrDestinationNotFound) {
			res.Outcome = OutcomeNotFound
		}
		res.Error = err.Error()
		res.Elapsed = time.Since(start)
		d.observe(dest.Kind, p.Kind, res)
		return res
	}

	err = d.sendBounded(ctx, sess, dest.Address, p, cache)
	res.Elapsed = time.Since(start)
	switch {
	case err == nil:
		res.Outcome = OutcomeSent
	case errors.Is(err, context.DeadlineExceeded):
		res.Outcome = OutcomeTimeout
		res.Error = fmt.Sprintf("send did not complete within %s", d.cfg.SendTimeout)
	default:
		res.Outcome = OutcomeBackendError
		res.Error = err.Error()
	}
	d.observe(dest.Kind, p.Kind, res)
	return res
}

// sendBounded runs the send under SendTimeout. The backend call gets a
// context carrying the deadline; if it ignores cancellation the wait is still
// abandoned at the deadline and the call is left to finish on its own.
func (d *Dispatcher) sendBounded(ctx context.Context, sess backend.Session, to string, p Payload, cache map[string]backend.Media) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	// Media is loaded before the send goroutine so the cache is only touched here.
	var media backend.Media
	if p.Kind != PayloadText {
		m, err := d.mediaFor(ctx, p, cache)
		if err != nil {
			return err
		}
		media = m
	}

	errc := make(chan error, 1)
	go func() {
		if p.Kind == PayloadText {
			errc <- sess.SendText(ctx, to, p.Text)
			return
		}
		errc <- sess.SendMedia(ctx, to, media, p.Caption)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pause waits SendInterval. A batch always honors the throttle, even when
// its caller has gone away.
func (d *Dispatcher) pause() {
	if d.cfg.SendInterval > 0 {
		time.Sleep(d.cfg.SendInterval)
	}
}

func (d *Dispatcher) observe(kind Kind, payload PayloadKind, res Result) {
	if d.observer != nil {
		d.observer.SendCompleted(kind, payload, res.Outcome, res.Elapsed)
	}
}

// SendDirect sends plain text to one destination with no timeout guard and
// no pause. An unmatched group name fails with ErrDestinationNotFound.
func (d *Dispatcher) SendDirect(ctx context.Context, raw, text string) (Destination, error) {
	sess, err := d.sessions.Ready(ctx)
	if err != nil {
		return Destination{}, err
	}

	start := time.Now()
	dest, err := Resolve(ctx, sess, raw)
	if err != nil {
		outcome := OutcomeBackendError
		if errors.Is(err, ErrDestinationNotFound) {
			outcome = OutcomeNotFound
		}
		d.observe(dest.Kind, PayloadText, Result{Outcome: outcome, Elapsed: time.Since(start)})
		d.logger.Warn("direct send failed", "destination", dest.Raw, "kind", dest.Kind, "error", err)
		return dest, err
	}

	if err := sess.SendText(ctx, dest.Address, text); err != nil {
		d.observe(dest.Kind, PayloadText, Result{Outcome: OutcomeBackendError, Elapsed: time.Since(start)})
		d.logger.Warn("direct send failed", "destination", dest.Raw, "address", dest.Address, "error", err)
		return dest, fmt.Errorf("sending to %s: %w", dest.Address, err)
	}
	d.observe(dest.Kind, PayloadText, Result{Outcome: OutcomeSent, Elapsed: time.Since(start)})
	d.logger.Info("direct message sent", "destination", dest.Raw, "address", dest.Address)
	return dest, nil
}
