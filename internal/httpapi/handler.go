// Package httpapi is the device-facing HTTP surface: pairing, the command
// long-poll, progress and result reporting, and heartbeats. Devices
// authenticate with the bearer token minted at pairing time.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"command_relay/core-go/internal/codec"
	"command_relay/core-go/internal/db"
	"command_relay/core-go/internal/metrics"
	"command_relay/core-go/internal/sqlcgen"
)

var validate = validator.New()

// Queries is the slice of the DB layer the HTTP surface needs.
// *sqlcgen.Queries satisfies this.
type Queries interface {
	GetDeviceByToken(ctx context.Context, token string) (sqlcgen.Device, error)
	ClaimPairingCode(ctx context.Context, code string) (string, error)
	InsertDevice(ctx context.Context, arg sqlcgen.InsertDeviceParams) (sqlcgen.Device, error)
	ListDevicesForUser(ctx context.Context, userID string) ([]sqlcgen.Device, error)
	DeleteDeviceByName(ctx context.Context, arg sqlcgen.DeleteDeviceByNameParams) (int64, error)
	TouchDeviceHeartbeat(ctx context.Context, arg sqlcgen.TouchDeviceHeartbeatParams) error
	CountPendingCommands(ctx context.Context, deviceID string) (int64, error)
	ClaimPendingCommands(ctx context.Context, arg sqlcgen.ClaimPendingCommandsParams) ([]sqlcgen.ClaimedCommand, error)
	MarkCommandExecuting(ctx context.Context, arg sqlcgen.MarkCommandExecutingParams) (int64, error)
	CompleteCommand(ctx context.Context, arg sqlcgen.CompleteCommandParams) (int64, error)
	AppendCommandLogForDevice(ctx context.Context, arg sqlcgen.AppendCommandLogForDeviceParams) (int64, error)
	InsertCommandLog(ctx context.Context, arg sqlcgen.InsertCommandLogParams) error
}

type Handler struct {
	log     zerolog.Logger
	pool    *db.Pool
	queries Queries
	codec   *codec.Codec
	metrics *metrics.Metrics

	pollTimeout  time.Duration
	pollInterval time.Duration
	claimBatch   int32
}

type Options struct {
	PollTimeout  time.Duration
	PollInterval time.Duration
	ClaimBatch   int32
}

func NewHandler(log zerolog.Logger, pool *db.Pool, q Queries, c *codec.Codec, m *metrics.Metrics, opts Options) *Handler {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 25 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.ClaimBatch <= 0 {
		opts.ClaimBatch = 5
	}
	return &Handler{
		log:          log,
		pool:         pool,
		queries:      q,
		codec:        c,
		metrics:      m,
		pollTimeout:  opts.PollTimeout,
		pollInterval: opts.PollInterval,
		claimBatch:   opts.ClaimBatch,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)
	r.Use(h.observe)

	// Health
	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyZ)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	// API
	r.Route("/api", func(r chi.Router) {
		r.Route("/v1", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(10 * time.Second))
				r.Post("/pair", h.handlePair)
				r.Get("/devices", h.handleListDevices)
				r.Delete("/devices", h.handleDeleteDevice)
			})

			r.Route("/device", func(r chi.Router) {
				r.Use(h.bearerAuth)

				// The long poll manages its own deadline.
				r.Get("/commands/poll", h.handlePoll)

				r.Group(func(r chi.Router) {
					r.Use(middleware.Timeout(10 * time.Second))
					r.Post("/commands/progress", h.handleProgress)
					r.Post("/commands/result", h.handleResult)
					r.Post("/heartbeat", h.handleHeartbeat)
				})
			})
		})
	})

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		h.metrics.ObserveHTTPRequest(r.Method, pattern, ww.Status(), time.Since(start))
	})
}

type ctxKey int

const deviceKey ctxKey = iota

// bearerAuth resolves the Authorization bearer token to a registered device
// and stores it on the request context. Unknown tokens get a uniform 401.
func (h *Handler) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			h.writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token", nil)
			return
		}

		if !h.ensureQueries(w) {
			return
		}

		device, err := h.queries.GetDeviceByToken(r.Context(), auth[len(prefix):])
		if errors.Is(err, pgx.ErrNoRows) {
			h.writeError(w, http.StatusUnauthorized, "unauthorized", "unknown device token", nil)
			return
		}
		if err != nil {
			h.log.Error().Err(err).Msg("device token lookup failed")
			h.writeError(w, http.StatusInternalServerError, "db_error", "failed to authenticate device", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), deviceKey, device)))
	})
}

func deviceFrom(ctx context.Context) sqlcgen.Device {
	device, _ := ctx.Value(deviceKey).(sqlcgen.Device)
	return device
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

func decodeJSONStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

func (h *Handler) decodeValid(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSONStrict(r, dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return false
	}
	if err := validate.Struct(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid request", map[string]any{"error": err.Error()})
		return false
	}
	return true
}

func (h *Handler) ensureQueries(w http.ResponseWriter) bool {
	if h.queries == nil {
		h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not configured", nil)
		return false
	}
	return true
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleReadyZ(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.pool == nil {
		h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not configured", nil)
		return
	}

	if err := h.pool.Ping(ctx); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not ready", map[string]any{"error": err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

type pairDevice struct {
	DeviceName   string   `json:"deviceName" validate:"required,max=64"`
	DeviceType   *string  `json:"deviceType,omitempty"`
	Platform     *string  `json:"platform,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type pairRequest struct {
	Code   string     `json:"code" validate:"required,len=6,numeric"`
	Device pairDevice `json:"device"`
}

type pairResponse struct {
	DeviceID    string `json:"deviceId"`
	DeviceToken string `json:"deviceToken"`
}

// handlePair exchanges a single-use pairing code for a device registration
// and its long-lived bearer token. The code is consumed even if the insert
// later fails; the operator just issues a fresh one.
func (h *Handler) handlePair(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	if !h.ensureQueries(w) {
		return
	}

	userID, err := h.queries.ClaimPairingCode(r.Context(), req.Code)
	if errors.Is(err, pgx.ErrNoRows) {
		h.writeError(w, http.StatusNotFound, "invalid_code", "pairing code is unknown, expired, or already used", nil)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("pairing code claim failed")
		h.writeError(w, http.StatusInternalServerError, "db_error", "failed to claim pairing code", nil)
		return
	}

	token, err := newDeviceToken()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal", "failed to mint device token", nil)
		return
	}

	device, err := h.queries.InsertDevice(r.Context(), sqlcgen.InsertDeviceParams{
		UserID:       userID,
		Name:         req.Device.DeviceName,
		DeviceType:   req.Device.DeviceType,
		Platform:     req.Device.Platform,
		Token:        token,
		Capabilities: req.Device.Capabilities,
	})
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("device registration failed")
		h.writeError(w, http.StatusConflict, "registration_failed", "device could not be registered; the name may already be taken", nil)
		return
	}

	h.log.Info().Str("device_id", device.ID).Str("user_id", userID).Msg("device paired")
	h.writeJSON(w, http.StatusCreated, pairResponse{DeviceID: device.ID, DeviceToken: token})
}

type deviceView struct {
	ID           string     `json:"id"`
	DeviceName   string     `json:"deviceName"`
	DeviceType   *string    `json:"deviceType,omitempty"`
	Platform     *string    `json:"platform,omitempty"`
	Capabilities []string   `json:"capabilities"`
	IsOnline     bool       `json:"isOnline"`
	LastSeenAt   *time.Time `json:"lastSeenAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

func toDeviceView(d sqlcgen.Device) deviceView {
	return deviceView{
		ID:           d.ID,
		DeviceName:   d.Name,
		DeviceType:   d.DeviceType,
		Platform:     d.Platform,
		Capabilities: d.Capabilities,
		IsOnline:     d.IsOnline,
		LastSeenAt:   d.LastSeenAt,
		CreatedAt:    d.CreatedAt,
	}
}

func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "userId query parameter is required", nil)
		return
	}
	if !h.ensureQueries(w) {
		return
	}

	rows, err := h.queries.ListDevicesForUser(r.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Msg("list devices failed")
		h.writeError(w, http.StatusInternalServerError, "db_error", "failed to list devices", nil)
		return
	}

	devices := make([]deviceView, 0, len(rows))
	for _, d := range rows {
		devices = append(devices, toDeviceView(d))
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (h *Handler) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	name := r.URL.Query().Get("name")
	if userID == "" || name == "" {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "userId and name query parameters are required", nil)
		return
	}
	if !h.ensureQueries(w) {
		return
	}

	rows, err := h.queries.DeleteDeviceByName(r.Context(), sqlcgen.DeleteDeviceByNameParams{UserID: userID, Name: name})
	if err != nil {
		h.log.Error().Err(err).Msg("delete device failed")
		h.writeError(w, http.StatusInternalServerError, "db_error", "failed to delete device", nil)
		return
	}
	if rows == 0 {
		h.writeError(w, http.StatusNotFound, "not_found", "device not found", map[string]any{"name": name})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type heartbeatRequest struct {
	Capabilities []string `json:"capabilities,omitempty"`
}

// handleHeartbeat marks the device online and optionally refreshes its
// capability list. The body is optional: a bare POST is a plain "still
// alive", and omitted capabilities keep the stored value.
func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if r.ContentLength != 0 {
		// io.EOF here means the body was empty after all (chunked requests
		// report an unknown length); anything else is a malformed body.
		if err := decodeJSONStrict(r, &req); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
			return
		}
	}

	device := deviceFrom(r.Context())
	if err := h.queries.TouchDeviceHeartbeat(r.Context(), sqlcgen.TouchDeviceHeartbeatParams{
		ID:           device.ID,
		Capabilities: req.Capabilities,
	}); err != nil {
		h.log.Error().Err(err).Str("device_id", device.ID).Msg("heartbeat update failed")
		h.writeError(w, http.StatusInternalServerError, "db_error", "failed to record heartbeat", nil)
		return
	}

	pending, err := h.queries.CountPendingCommands(r.Context(), device.ID)
	if err != nil {
		h.log.Error().Err(err).Str("device_id", device.ID).Msg("pending count failed")
		h.writeError(w, http.StatusInternalServerError, "db_error", "failed to count pending commands", nil)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pendingCommands": pending})
}

func newDeviceToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
