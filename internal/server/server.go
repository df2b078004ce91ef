// Package server exposes the glyph renderer and the upload signing service
// over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"tools.zach/dev/tourneykit/internal/logger"
	"tools.zach/dev/tourneykit/internal/paths"
	"tools.zach/dev/tourneykit/internal/render"
	"tools.zach/dev/tourneykit/internal/upload"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Renderer draws text to PNG.
type Renderer interface {
	Render(req render.Request) ([]byte, error)
}

// Signer authorizes uploads.
type Signer interface {
	Sign(ctx context.Context, params upload.Params) (*upload.Authorization, error)
}

// Limits bound what a render request may ask for.
type Limits struct {
	MaxWidth     int
	MaxHeight    int
	MaxSize      float64
	CacheSeconds int
}

// API holds the handler dependencies.
type API struct {
	Renderer Renderer
	// Signer is nil when upload signing is disabled.
	Signer Signer
	// Families lists the registered font families for the health check.
	Families func() []string
	Limits   Limits
	Log      *slog.Logger
}

// Handler returns the routed handler wrapped in the standard middleware.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+paths.SignRoute, a.Sign)
	mux.HandleFunc("GET "+paths.RenderRoute, a.Render)
	mux.HandleFunc("GET "+paths.HealthRoute, a.Health)
	return chain(mux, logger.OrDefault(a.Log))
}

// ///////////////////////////////////////////////
// Helpers
// ///////////////////////////////////////////////

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

var errBodyTooLarge = errors.New("request body too large")

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// ///////////////////////////////////////////////
// POST /api/sign
// ///////////////////////////////////////////////

type signRequest struct {
	ParamsToSign map[string]any `json:"paramsToSign"`
}

// Sign handles upload signature requests.
func (a *API) Sign(w http.ResponseWriter, r *http.Request) {
	if a.Signer == nil {
		writeError(w, http.StatusServiceUnavailable, "upload signing is disabled; set upload.enabled = true and configure credentials")
		return
	}

	body, err := readBody(r)
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", maxBodyBytes))
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad body")
		return
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var req signRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be JSON: {\"paramsToSign\": {...}}")
		return
	}
	if req.ParamsToSign == nil {
		writeError(w, http.StatusBadRequest, "paramsToSign is required")
		return
	}

	auth, err := a.Signer.Sign(r.Context(), upload.Params(req.ParamsToSign))
	if err != nil {
		code, msg := signErrorStatus(err)
		logger.OrDefault(a.Log).Warn("sign failed", "status", code, "error", err, "request_id", RequestID(r.Context()))
		writeError(w, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, auth)
}

// signErrorStatus maps a signing error to an HTTP status and client message.
func signErrorStatus(err error) (int, string) {
	var rse *upload.RemoteServiceError
	switch {
	case errors.Is(err, upload.ErrInvalidParams):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, upload.ErrFolderNotAllowed):
		return http.StatusForbidden, err.Error()
	case errors.As(err, &rse) && rse.Timeout():
		return http.StatusGatewayTimeout, "remote signing service timed out; retry the request"
	case errors.As(err, &rse):
		return http.StatusBadGateway, "remote signing service failed; retry later or check upload.remote.url"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "signing timed out; retry the request"
	default:
		return http.StatusInternalServerError, "signing failed"
	}
}

// ///////////////////////////////////////////////
// GET /api/render
// ///////////////////////////////////////////////

// Render handles glyph render requests.
func (a *API) Render(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("text") {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	req := render.Request{
		Text:   q.Get("text"),
		Family: q.Get("font"),
		Color:  q.Get("color"),
	}

	var err error
	if req.Size, err = floatParam(q.Get("size")); err != nil {
		writeError(w, http.StatusBadRequest, "size must be a number")
		return
	}
	if req.Width, err = intParam(q.Get("width")); err != nil {
		writeError(w, http.StatusBadRequest, "width must be an integer")
		return
	}
	if req.Height, err = intParam(q.Get("height")); err != nil {
		writeError(w, http.StatusBadRequest, "height must be an integer")
		return
	}

	l := a.Limits
	switch {
	case l.MaxWidth > 0 && req.Width > l.MaxWidth:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("width exceeds maximum %d", l.MaxWidth))
		return
	case l.MaxHeight > 0 && req.Height > l.MaxHeight:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("height exceeds maximum %d", l.MaxHeight))
		return
	case l.MaxSize > 0 && req.Size > l.MaxSize:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("size exceeds maximum %g", l.MaxSize))
		return
	}

	data, err := a.Renderer.Render(req)
	if err != nil {
		logger.OrDefault(a.Log).Error("render failed", "error", err, "request_id", RequestID(r.Context()))
		writeError(w, http.StatusInternalServerError, "render failed")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if l.CacheSeconds > 0 {
		w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(l.CacheSeconds))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func floatParam(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// ///////////////////////////////////////////////
// GET /healthz
// ///////////////////////////////////////////////

// Health reports liveness and the registered fonts.
func (a *API) Health(w http.ResponseWriter, _ *http.Request) {
	families := []string{}
	if a.Families != nil {
		families = append(families, a.Families()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"fonts":   families,
		"signing": a.Signer != nil,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}
