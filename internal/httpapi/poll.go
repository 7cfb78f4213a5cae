package httpapi

import (
	"net/http"
	"time"

	"command_relay/core-go/internal/sqlcgen"
)

type claimedCommand struct {
	CommandID        string    `json:"commandId"`
	EncryptedCommand []byte    `json:"encryptedCommand"`
	IV               []byte    `json:"iv"`
	AuthTag          []byte    `json:"authTag"`
	Priority         int32     `json:"priority"`
	CreatedAt        time.Time `json:"createdAt"`
}

type pollResponse struct {
	Commands []claimedCommand `json:"commands"`
}

// handlePoll is the device long poll. It claims up to claimBatch queued
// commands for the calling device and returns immediately when any are
// found; otherwise it holds the request open, rechecking every pollInterval
// until pollTimeout, and returns an empty batch. A claim is final: each
// command row is handed out at most once.
func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	device := deviceFrom(r.Context())
	start := time.Now()
	deadline := start.Add(h.pollTimeout)

	h.metrics.PollerStarted()
	defer h.metrics.PollerFinished()
	defer func() {
		h.metrics.ObservePollWait(time.Since(start))
	}()

	for {
		claimed, err := h.queries.ClaimPendingCommands(r.Context(), sqlcgen.ClaimPendingCommandsParams{
			DeviceID: device.ID,
			Limit:    h.claimBatch,
		})
		if err != nil {
			h.log.Error().Err(err).Str("device_id", device.ID).Msg("command claim failed")
			h.writeError(w, http.StatusInternalServerError, "db_error", "failed to claim commands", nil)
			return
		}

		if len(claimed) > 0 {
			for _, c := range claimed {
				if err := h.queries.InsertCommandLog(r.Context(), sqlcgen.InsertCommandLogParams{
					CommandID: c.ID,
					Event:     "claimed",
					Message:   "delivered to device " + device.Name,
				}); err != nil {
					h.log.Error().Err(err).Str("command_id", c.ID).Msg("failed to write claim log entry")
				}
			}
			h.metrics.AddCommandsClaimed(len(claimed))

			resp := pollResponse{Commands: make([]claimedCommand, 0, len(claimed))}
			for _, c := range claimed {
				resp.Commands = append(resp.Commands, claimedCommand{
					CommandID:        c.ID,
					EncryptedCommand: c.Ciphertext,
					IV:               c.IV,
					AuthTag:          c.AuthTag,
					Priority:         c.Priority,
					CreatedAt:        c.CreatedAt,
				})
			}
			h.writeJSON(w, http.StatusOK, resp)
			return
		}

		if time.Now().Add(h.pollInterval).After(deadline) {
			h.writeJSON(w, http.StatusOK, pollResponse{Commands: []claimedCommand{}})
			return
		}

		select {
		case <-r.Context().Done():
			// Device went away; nothing was claimed on this pass.
			return
		case <-time.After(h.pollInterval):
		}
	}
}

type progressRequest struct {
	CommandID string         `json:"commandId" validate:"required,uuid"`
	Event     string         `json:"event,omitempty" validate:"omitempty,max=64"`
	Message   string         `json:"message,omitempty" validate:"omitempty,max=4096"`
	Data      map[string]any `json:"data,omitempty"`
}

// handleProgress appends a device progress entry to the command's execution
// log. The first progress report moves a pending command to executing.
// Reports against commands the device does not own land nowhere and still
// answer success; the device learns nothing about other tenants' command ids.
func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if !h.decodeValid(w, r, &req) {
		return
	}

	device := deviceFrom(r.Context())

	if _, err := h.queries.MarkCommandExecuting(r.Context(), sqlcgen.MarkCommandExecutingParams{
		ID:       req.CommandID,
		DeviceID: device.ID,
	}); err != nil {
		h.log.Error().Err(err).Str("command_id", req.CommandID).Msg("executing transition failed")
		h.writeError(w, http.StatusInternalServerError, "db_error", "failed to record progress", nil)
		return
	}

	event := req.Event
	if event == "" {
		event = "progress"
	}

	if _, err := h.queries.AppendCommandLogForDevice(r.Context(), sqlcgen.AppendCommandLogForDeviceParams{
		CommandID: req.CommandID,
		DeviceID:  device.ID,
		Event:     event,
		Message:   req.Message,
		Data:      req.Data,
	}); err != nil {
		h.log.Error().Err(err).Str("command_id", req.CommandID).Msg("progress append failed")
		h.writeError(w, http.StatusInternalServerError, "db_error", "failed to record progress", nil)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type resultRequest struct {
	CommandID       string `json:"commandId" validate:"required,uuid"`
	Status          string `json:"status,omitempty" validate:"omitempty,oneof=completed failed"`
	ResultSummary   string `json:"resultSummary,omitempty" validate:"omitempty,max=1024"`
	EncryptedResult []byte `json:"encryptedResult,omitempty"`
	ResultIV        []byte `json:"resultIv,omitempty"`
	ResultAuthTag   []byte `json:"resultAuthTag,omitempty"`
	Output          string `json:"output,omitempty"`
}

// handleResult finishes a command with the device's outcome. The device
// encrypts the result with the shared secret and posts the blob, iv, and
// auth tag; a plaintext output field is still accepted and encrypted here
// for devices that cannot. A report for a command that is already terminal,
// expired, or not owned by this device is a no-op, never an error.
func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if !h.decodeValid(w, r, &req) {
		return
	}

	device := deviceFrom(r.Context())

	status := req.Status
	if status == "" {
		status = sqlcgen.StatusCompleted
	}

	params := sqlcgen.CompleteCommandParams{
		ID:       req.CommandID,
		DeviceID: device.ID,
		Status:   status,
	}
	if req.ResultSummary != "" {
		params.ResultSummary = &req.ResultSummary
	}
	switch {
	case len(req.EncryptedResult) > 0:
		if len(req.ResultIV) == 0 || len(req.ResultAuthTag) == 0 {
			h.writeError(w, http.StatusBadRequest, "validation_failed", "encryptedResult requires resultIv and resultAuthTag", nil)
			return
		}
		params.ResultCiphertext = req.EncryptedResult
		params.ResultIV = req.ResultIV
		params.ResultAuthTag = req.ResultAuthTag
	case req.Output != "":
		ciphertext, iv, authTag, err := h.codec.Encrypt([]byte(req.Output))
		if err != nil {
			h.log.Error().Err(err).Str("command_id", req.CommandID).Msg("result encryption failed")
			h.writeError(w, http.StatusInternalServerError, "internal", "failed to store result", nil)
			return
		}
		params.ResultCiphertext = ciphertext
		params.ResultIV = iv
		params.ResultAuthTag = authTag
	}

	rows, err := h.queries.CompleteCommand(r.Context(), params)
	if err != nil {
		h.log.Error().Err(err).Str("command_id", req.CommandID).Msg("result write failed")
		h.writeError(w, http.StatusInternalServerError, "db_error", "failed to store result", nil)
		return
	}

	if rows > 0 {
		if err := h.queries.InsertCommandLog(r.Context(), sqlcgen.InsertCommandLogParams{
			CommandID: req.CommandID,
			Event:     status,
			Message:   req.ResultSummary,
		}); err != nil {
			h.log.Error().Err(err).Str("command_id", req.CommandID).Msg("failed to write result log entry")
		}
		h.metrics.IncCommandFinished(status)
	}

	// A duplicate or foreign report is a silent no-op, not a failure for
	// the device to retry.
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
