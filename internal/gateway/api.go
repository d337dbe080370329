// ABOUTME: HTTP API handlers for pairing, status, logout and outbound messages
// ABOUTME: Response bodies keep the Portuguese wording operators already script against

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/skip2/go-qrcode"

	"github.com/2389/wabridge/internal/assets"
	"github.com/2389/wabridge/internal/auth"
	"github.com/2389/wabridge/internal/config"
	"github.com/2389/wabridge/internal/dispatch"
	"github.com/2389/wabridge/internal/session"
)

// User-facing response messages.
const (
	msgConnected        = "Cliente já está conectado"
	msgQRWaiting        = "QR Code ainda não foi gerado, por favor tente novamente em alguns segundos"
	msgQRError          = "Erro ao gerar QR Code"
	msgDisconnected     = "Desconectado com sucesso!"
	msgDisconnectError  = "Erro ao desconectar."
	msgNotReady         = "Cliente não está pronto. Por favor, tente novamente mais tarde."
	msgNotConnected     = "Cliente não está conectado ao WhatsApp. Por favor, aguarde."
	msgSent             = "Mensagem enviada!"
	msgBatchError       = "Erro ao processar o envio."
	msgSendError        = "Erro ao enviar mensagem."
	msgNoRecipients     = "Nenhum destinatário informado."
	msgBadRequest       = "Requisição inválida."
	msgStatusError      = "Erro ao consultar o status."
	msgHistoryError     = "Erro ao consultar o histórico."
	qrImageSize         = 256
	multipartMemoryCeil = 32 << 20
)

// StatusResponse is the JSON body of simple status replies.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SendResponse is the JSON body of POST /api/send.
type SendResponse struct {
	Status  string            `json:"status"`
	Message string            `json:"message"`
	BatchID string            `json:"batch_id"`
	Counts  map[string]int    `json:"counts"`
	Results []dispatch.Result `json:"results"`
}

// SendMessageRequest is the optional JSON form of POST /api/send.
type SendMessageRequest struct {
	Recipients string `json:"recipients"`
	Message    string `json:"message"`
}

// routes assembles the HTTP handler. /api/* additionally requires a bearer
// token when verifier is non-nil; everything sits behind the access gate.
func (g *Gateway) routes(verifier auth.TokenVerifier) (http.Handler, error) {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/qr", g.handleQR)
	api.HandleFunc("GET /api/status", g.handleStatus)
	api.HandleFunc("GET /api/disconnect", g.handleDisconnect)
	api.HandleFunc("POST /api/send", g.handleSend)
	api.HandleFunc("GET /api/sendMessage/{recipient}/{message}", g.handleSendMessage)
	api.HandleFunc("GET /api/history", g.handleHistory)

	var apiHandler http.Handler = api
	if verifier != nil {
		apiHandler = auth.BearerMiddleware(verifier, g.logger)(api)
	}

	static, err := assets.FS(g.config.Server.StaticDir)
	if err != nil {
		return nil, fmt.Errorf("opening static files: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.metrics != nil {
		if err := config.ValidateMetricsPath(g.config.Metrics.Path); err != nil {
			return nil, err
		}
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}
	// No method here: "GET /" would conflict with "/api/".
	mux.Handle("/", assets.FileServer(static))

	return g.gate.Middleware(mux), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := StatusResponse{Status: "error", Message: message}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, status, resp)
}

// notReadyMessage picks the wording for a failed readiness check: a READY
// session that still failed means the backend reported it is not connected.
func (g *Gateway) notReadyMessage() string {
	if g.sessions.State() == session.StateReady {
		return msgNotConnected
	}
	return msgNotReady
}

// handleQR serves the pending pairing challenge as a PNG.
func (g *Gateway) handleQR(w http.ResponseWriter, r *http.Request) {
	if g.sessions.Authenticated() {
		writeJSON(w, http.StatusOK, StatusResponse{Status: "connected", Message: msgConnected})
		return
	}

	code, ok := g.sessions.Challenge()
	if !ok {
		writeJSON(w, http.StatusOK, StatusResponse{Status: "waiting", Message: msgQRWaiting})
		return
	}

	png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
	if err != nil {
		g.logger.Error("rendering QR code", "error", err)
		writeError(w, http.StatusInternalServerError, msgQRError, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", fmt.Sprint(len(png)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := g.sessions.Status(r.Context())
	if err != nil {
		g.logger.Error("querying status", "error", err)
		writeError(w, http.StatusInternalServerError, msgStatusError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleDisconnect logs out and starts a fresh pairing cycle.
func (g *Gateway) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := g.sessions.Logout(context.WithoutCancel(r.Context())); err != nil {
		g.logger.Error("disconnect failed", "error", err)
		writeError(w, http.StatusInternalServerError, msgDisconnectError, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, msgDisconnected)
}

// parseSendRequest reads recipients, message and an optional file from a
// multipart, urlencoded or JSON body.
func (g *Gateway) parseSendRequest(w http.ResponseWriter, r *http.Request) (dispatch.Request, error) {
	r.Body = http.MaxBytesReader(w, r.Body, g.config.Dispatch.MaxUploadBytes)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body SendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return dispatch.Request{}, fmt.Errorf("decoding JSON body: %w", err)
		}
		return dispatch.Request{
			Destinations: dispatch.SplitDestinations(body.Recipients),
			Body:         body.Message,
		}, nil
	}

	multipartBody := strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
	if multipartBody {
		if err := r.ParseMultipartForm(multipartMemoryCeil); err != nil {
			return dispatch.Request{}, fmt.Errorf("parsing multipart form: %w", err)
		}
	} else if err := r.ParseForm(); err != nil {
		return dispatch.Request{}, fmt.Errorf("parsing form: %w", err)
	}

	req := dispatch.Request{
		Destinations: dispatch.SplitDestinations(r.FormValue("recipients")),
		Body:         r.FormValue("message"),
	}
	if !multipartBody {
		return req, nil
	}

	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return req, nil
	}
	if err != nil {
		return dispatch.Request{}, fmt.Errorf("reading attachment: %w", err)
	}
	defer file.Close()

	att, err := readAttachment(file, header)
	if err != nil {
		return dispatch.Request{}, err
	}
	req.Attachment = att
	return req, nil
}

func readAttachment(file multipart.File, header *multipart.FileHeader) (*dispatch.Attachment, error) {
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("reading attachment: %w", err)
	}
	return &dispatch.Attachment{
		FileName: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Data:     data,
	}, nil
}

// handleSend runs a batch. Once accepted the batch completes even if the
// client goes away, and per-destination failures never change the status.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	req, err := g.parseSendRequest(w, r)
	if err != nil {
		g.logger.Warn("invalid send request", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, msgBadRequest, err)
			return
		}
		writeError(w, http.StatusBadRequest, msgBadRequest, err)
		return
	}
	if len(req.Destinations) == 0 {
		writeError(w, http.StatusBadRequest, msgNoRecipients, nil)
		return
	}

	g.logger.Info("send request received",
		"destinations", len(req.Destinations),
		"attachment", req.Attachment != nil,
	)

	batch, err := g.dispatcher.SendBatch(context.WithoutCancel(r.Context()), req)
	if errors.Is(err, session.ErrNotReady) {
		g.logger.Info("send rejected, session not ready", "error", err)
		writeError(w, http.StatusInternalServerError, g.notReadyMessage(), nil)
		return
	}
	if err != nil {
		g.logger.Error("batch failed", "error", err)
		writeError(w, http.StatusInternalServerError, msgBatchError, err)
		return
	}

	counts := make(map[string]int)
	for outcome, n := range batch.Counts() {
		counts[string(outcome)] = n
	}
	writeJSON(w, http.StatusOK, SendResponse{
		Status:  "success",
		Message: msgSent,
		BatchID: batch.ID,
		Counts:  counts,
		Results: batch.Results,
	})
}

// handleSendMessage sends plain text to one destination taken from the path.
// Path values arrive percent-decoded.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	recipient := r.PathValue("recipient")
	message := r.PathValue("message")

	_, err := g.dispatcher.SendDirect(r.Context(), recipient, message)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, StatusResponse{Status: "success", Message: msgSent})
	case errors.Is(err, session.ErrNotReady):
		writeError(w, http.StatusInternalServerError, g.notReadyMessage(), nil)
	case errors.Is(err, dispatch.ErrDestinationNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("Grupo \"%s\" não encontrado.", strings.TrimSpace(recipient)), nil)
	default:
		writeError(w, http.StatusInternalServerError, msgSendError, err)
	}
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK only while the session is READY.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	state := g.sessions.State()
	if state != session.StateReady {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "session %s", state)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
