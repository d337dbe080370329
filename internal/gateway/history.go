// ABOUTME: Dispatch log wiring: persists finished batches and serves recent history
// ABOUTME: Maps dispatch batches onto store records and back out as JSON

package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/wabridge/internal/dispatch"
	"github.com/2389/wabridge/internal/store"
)

const maxHistoryLimit = 500

// storeRecorder implements dispatch.Recorder on top of the store.
type storeRecorder struct {
	store store.Store
}

func (s *storeRecorder) RecordBatch(ctx context.Context, b dispatch.Batch) error {
	rec := &store.BatchRecord{
		ID:            b.ID,
		Body:          b.Body,
		Payload:       string(b.Payload),
		HasAttachment: b.HasAttachment,
		StartedAt:     b.StartedAt,
		FinishedAt:    b.FinishedAt,
		Deliveries:    make([]store.Delivery, 0, len(b.Results)),
	}
	for i, r := range b.Results {
		rec.Deliveries = append(rec.Deliveries, store.Delivery{
			Position:    i,
			Destination: r.Destination,
			Kind:        string(r.Kind),
			Address:     r.Address,
			Outcome:     string(r.Outcome),
			Error:       r.Error,
			Elapsed:     r.Elapsed,
		})
	}
	return s.store.RecordBatch(ctx, rec)
}

// BatchView is the JSON shape of a recorded batch.
type BatchView struct {
	ID            string         `json:"id"`
	Body          string         `json:"body"`
	Payload       string         `json:"payload"`
	HasAttachment bool           `json:"has_attachment"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	Deliveries    []DeliveryView `json:"deliveries"`
}

// DeliveryView is the JSON shape of one delivery.
type DeliveryView struct {
	Destination string `json:"destination"`
	Kind        string `json:"kind"`
	Address     string `json:"address,omitempty"`
	Outcome     string `json:"outcome"`
	Error       string `json:"error,omitempty"`
	ElapsedMS   int64  `json:"elapsed_ms"`
}

// HistoryResponse is the JSON body of GET /api/history.
type HistoryResponse struct {
	Status   string         `json:"status"`
	Batches  []BatchView    `json:"batches"`
	Outcomes map[string]int `json:"outcomes"`
}

func toBatchView(b *store.BatchRecord) BatchView {
	v := BatchView{
		ID:            b.ID,
		Body:          b.Body,
		Payload:       b.Payload,
		HasAttachment: b.HasAttachment,
		StartedAt:     b.StartedAt,
		FinishedAt:    b.FinishedAt,
		Deliveries:    make([]DeliveryView, 0, len(b.Deliveries)),
	}
	for _, d := range b.Deliveries {
		v.Deliveries = append(v.Deliveries, DeliveryView{
			Destination: d.Destination,
			Kind:        d.Kind,
			Address:     d.Address,
			Outcome:     d.Outcome,
			Error:       d.Error,
			ElapsedMS:   d.Elapsed.Milliseconds(),
		})
	}
	return v
}

// handleHistory returns the most recent batches, newest first.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, msgBadRequest, nil)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	batches, err := g.store.ListBatches(r.Context(), limit)
	if err != nil {
		g.logger.Error("listing batches", "error", err)
		writeError(w, http.StatusInternalServerError, msgHistoryError, err)
		return
	}
	outcomes, err := g.store.CountOutcomes(r.Context())
	if err != nil {
		g.logger.Error("counting outcomes", "error", err)
		writeError(w, http.StatusInternalServerError, msgHistoryError, err)
		return
	}

	resp := HistoryResponse{
		Status:   "success",
		Batches:  make([]BatchView, 0, len(batches)),
		Outcomes: outcomes,
	}
	for _, b := range batches {
		resp.Batches = append(resp.Batches, toBatchView(b))
	}
	writeJSON(w, http.StatusOK, resp)
}
