// Package relay implements the operator-facing command lifecycle: parse,
// classify, charge, encrypt, queue, confirm/reject/cancel, and read back
// status, execution log, and results. The chat front-end consumes this API
// directly; devices talk to the HTTP surface in internal/httpapi instead.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"command_relay/core-go/internal/billing"
	"command_relay/core-go/internal/codec"
	"command_relay/core-go/internal/command"
	"command_relay/core-go/internal/metrics"
	"command_relay/core-go/internal/safety"
	"command_relay/core-go/internal/sqlcgen"
)

// ErrNotFound covers both missing commands and commands owned by someone
// else; callers must not be able to tell the two apart.
var ErrNotFound = errors.New("relay: command not found")

// previewLimit bounds the stored plaintext preview. This is an intentional,
// bounded leak of the command surface for operator-facing status display.
const previewLimit = 200

// Queries is the minimal DB interface the relay service needs.
// *sqlcgen.Queries satisfies this.
type Queries interface {
	GetDeviceByName(ctx context.Context, arg sqlcgen.GetDeviceByNameParams) (sqlcgen.Device, error)
	InsertCommand(ctx context.Context, arg sqlcgen.InsertCommandParams) (sqlcgen.Command, error)
	InsertCommandLog(ctx context.Context, arg sqlcgen.InsertCommandLogParams) error
	GetCommandForUser(ctx context.Context, arg sqlcgen.GetCommandForUserParams) (sqlcgen.Command, error)
	FindCommandByPrefix(ctx context.Context, arg sqlcgen.FindCommandByPrefixParams) (sqlcgen.Command, error)
	ListRecentCommands(ctx context.Context, arg sqlcgen.ListRecentCommandsParams) ([]sqlcgen.Command, error)
	ListCommandLogForUser(ctx context.Context, arg sqlcgen.ListCommandLogForUserParams) ([]sqlcgen.CommandLogEntry, error)
	ConfirmCommand(ctx context.Context, arg sqlcgen.ConfirmCommandParams) (int64, error)
	RejectCommand(ctx context.Context, arg sqlcgen.RejectCommandParams) (int32, error)
	CancelCommand(ctx context.Context, arg sqlcgen.CancelCommandParams) (int64, error)
	InsertPairingCode(ctx context.Context, arg sqlcgen.InsertPairingCodeParams) error
}

// Billing is the charge/refund bridge. *billing.Bridge satisfies this.
type Billing interface {
	Charge(ctx context.Context, userID string) (int32, error)
	Refund(ctx context.Context, userID string, amount int32) error
}

type Service struct {
	log        zerolog.Logger
	q          Queries
	codec      *codec.Codec
	classifier *safety.Classifier
	billing    Billing
	metrics    *metrics.Metrics
	commandTTL time.Duration
	pairingTTL time.Duration
}

type Options struct {
	CommandTTL time.Duration
	PairingTTL time.Duration
}

func New(log zerolog.Logger, q Queries, c *codec.Codec, cl *safety.Classifier, b Billing, m *metrics.Metrics, opts Options) *Service {
	ttl := opts.CommandTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	pttl := opts.PairingTTL
	if pttl <= 0 {
		pttl = 10 * time.Minute
	}
	return &Service{
		log:        log,
		q:          q,
		codec:      c,
		classifier: cl,
		billing:    b,
		metrics:    m,
		commandTTL: ttl,
		pairingTTL: pttl,
	}
}

// SendResult reports the outcome of a send. Policy refusals (blocked
// command, unknown device, insufficient credits) are not errors: they set
// Success=false with a human-readable reason, while the error return is
// reserved for store failures the operator should retry.
type SendResult struct {
	Success              bool
	CommandID            string
	ConfirmationRequired bool
	SafetyWarning        string
	Error                string
}

func (s *Service) Send(ctx context.Context, userID, deviceName, text string) (SendResult, error) {
	payload := command.Parse(text)
	cls := s.classifier.Classify(payload)

	if cls.Blocked {
		s.log.Warn().
			Str("user_id", userID).
			Str("type", string(payload.Type)).
			Msg("command blocked by safety policy")
		return SendResult{SafetyWarning: joinWarnings(cls.Warnings)}, nil
	}

	device, err := s.q.GetDeviceByName(ctx, sqlcgen.GetDeviceByNameParams{UserID: userID, Name: deviceName})
	if errors.Is(err, pgx.ErrNoRows) {
		return SendResult{Error: fmt.Sprintf("device %q is not registered", deviceName)}, nil
	}
	if err != nil {
		return SendResult{}, err
	}

	charged, err := s.billing.Charge(ctx, userID)
	if errors.Is(err, billing.ErrInsufficientCredits) {
		return SendResult{Error: "insufficient credits"}, nil
	}
	if err != nil {
		return SendResult{}, err
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		s.refundBestEffort(ctx, userID, charged)
		return SendResult{}, err
	}
	ciphertext, iv, authTag, err := s.codec.Encrypt(plaintext)
	if err != nil {
		s.refundBestEffort(ctx, userID, charged)
		return SendResult{}, err
	}

	status := sqlcgen.StatusPending
	if cls.RequiresConfirmation {
		status = sqlcgen.StatusAwaitingConfirmation
	}

	cmd, err := s.q.InsertCommand(ctx, sqlcgen.InsertCommandParams{
		ID:             uuid.NewString(),
		UserID:         userID,
		DeviceID:       device.ID,
		Ciphertext:     ciphertext,
		IV:             iv,
		AuthTag:        authTag,
		Preview:        preview(payload.Command),
		RiskLevel:      string(cls.RiskLevel),
		Warnings:       cls.Warnings,
		Status:         status,
		CreditsCharged: charged,
		ExpiresAt:      time.Now().Add(s.commandTTL),
	})
	if err != nil {
		// The charge already landed; hand it back before surfacing the
		// failure to the operator.
		s.refundBestEffort(ctx, userID, charged)
		return SendResult{}, err
	}

	if err := s.q.InsertCommandLog(ctx, sqlcgen.InsertCommandLogParams{
		CommandID: cmd.ID,
		Event:     "queued",
		Message:   fmt.Sprintf("queued for device %s with status %s", device.Name, status),
	}); err != nil {
		s.log.Error().Err(err).Str("command_id", cmd.ID).Msg("failed to write queued log entry")
	}

	s.metrics.IncCommandCreated(cmd.RiskLevel)
	s.metrics.AddCreditsCharged(charged)

	return SendResult{
		Success:              true,
		CommandID:            cmd.ID,
		ConfirmationRequired: cls.RequiresConfirmation,
		SafetyWarning:        joinWarnings(cls.Warnings),
	}, nil
}

// Confirm releases an awaiting_confirmation command addressed by its short
// id prefix. Returns false when nothing was in a confirmable state; retries
// are no-ops, never errors.
func (s *Service) Confirm(ctx context.Context, idPrefix, userID string) (bool, error) {
	cmd, err := s.q.FindCommandByPrefix(ctx, sqlcgen.FindCommandByPrefixParams{UserID: userID, Prefix: idPrefix})
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	rows, err := s.q.ConfirmCommand(ctx, sqlcgen.ConfirmCommandParams{ID: cmd.ID, UserID: userID})
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, nil
	}

	if err := s.q.InsertCommandLog(ctx, sqlcgen.InsertCommandLogParams{
		CommandID: cmd.ID,
		Event:     "confirmed_by_user",
	}); err != nil {
		s.log.Error().Err(err).Str("command_id", cmd.ID).Msg("failed to write confirmation log entry")
	}
	return true, nil
}

// Reject cancels an awaiting_confirmation command and refunds exactly the
// credits charged at creation. Returns the refunded amount (zero when the
// command was absent or already past confirmation).
func (s *Service) Reject(ctx context.Context, idPrefix, userID string) (int32, error) {
	cmd, err := s.q.FindCommandByPrefix(ctx, sqlcgen.FindCommandByPrefixParams{UserID: userID, Prefix: idPrefix})
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	credits, err := s.q.RejectCommand(ctx, sqlcgen.RejectCommandParams{ID: cmd.ID, UserID: userID})
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	if err := s.billing.Refund(ctx, userID, credits); err != nil {
		// The command is already cancelled; a refund failure must be
		// surfaced rather than silently dropped.
		return 0, err
	}

	if err := s.q.InsertCommandLog(ctx, sqlcgen.InsertCommandLogParams{
		CommandID: cmd.ID,
		Event:     "rejected_by_user",
		Message:   fmt.Sprintf("refunded %d credits", credits),
	}); err != nil {
		s.log.Error().Err(err).Str("command_id", cmd.ID).Msg("failed to write rejection log entry")
	}

	s.metrics.IncCommandFinished(sqlcgen.StatusCancelled)
	s.metrics.AddCreditsRefunded(credits)
	return credits, nil
}

// Cancel stops a pending or awaiting_confirmation command without a refund.
func (s *Service) Cancel(ctx context.Context, commandID, userID string) (bool, error) {
	rows, err := s.q.CancelCommand(ctx, sqlcgen.CancelCommandParams{ID: commandID, UserID: userID})
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, nil
	}

	if err := s.q.InsertCommandLog(ctx, sqlcgen.InsertCommandLogParams{
		CommandID: commandID,
		Event:     "cancelled_by_user",
	}); err != nil {
		s.log.Error().Err(err).Str("command_id", commandID).Msg("failed to write cancel log entry")
	}

	s.metrics.IncCommandFinished(sqlcgen.StatusCancelled)
	return true, nil
}

// GetExecutionLog returns the append-only device progress trail for one
// command owned by the user.
func (s *Service) GetExecutionLog(ctx context.Context, commandID, userID string) ([]sqlcgen.CommandLogEntry, error) {
	if _, err := s.q.GetCommandForUser(ctx, sqlcgen.GetCommandForUserParams{ID: commandID, UserID: userID}); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.q.ListCommandLogForUser(ctx, sqlcgen.ListCommandLogForUserParams{CommandID: commandID, UserID: userID})
}

// CommandResult is the operator-facing view of a finished (or in-flight)
// command. Output is the decrypted result payload; corrupt or missing
// ciphertext yields an empty Output, not an error.
type CommandResult struct {
	CommandID   string
	Status      string
	Summary     string
	Output      string
	CompletedAt *time.Time
}

func (s *Service) GetCommandResult(ctx context.Context, commandID, userID string) (CommandResult, error) {
	cmd, err := s.q.GetCommandForUser(ctx, sqlcgen.GetCommandForUserParams{ID: commandID, UserID: userID})
	if errors.Is(err, pgx.ErrNoRows) {
		return CommandResult{}, ErrNotFound
	}
	if err != nil {
		return CommandResult{}, err
	}

	res := CommandResult{
		CommandID:   cmd.ID,
		Status:      EffectiveStatus(cmd, time.Now()),
		CompletedAt: cmd.CompletedAt,
	}
	if cmd.ResultSummary != nil {
		res.Summary = *cmd.ResultSummary
	}
	if len(cmd.ResultCiphertext) > 0 {
		if out, ok := s.codec.Decrypt(cmd.ResultCiphertext, cmd.ResultIV, cmd.ResultAuthTag); ok {
			res.Output = string(out)
		} else {
			s.log.Warn().Str("command_id", cmd.ID).Msg("stored result failed authentication; treating as empty")
		}
	}
	return res, nil
}

// CommandSummary is one row of the operator's recent-commands listing.
type CommandSummary struct {
	ID             string
	ShortID        string
	DeviceID       string
	Preview        string
	RiskLevel      string
	Status         string
	CreditsCharged int32
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

func (s *Service) GetRecentCommands(ctx context.Context, userID string, limit int32) ([]CommandSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.q.ListRecentCommands(ctx, sqlcgen.ListRecentCommandsParams{UserID: userID, Limit: limit})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	items := make([]CommandSummary, 0, len(rows))
	for _, cmd := range rows {
		items = append(items, CommandSummary{
			ID:             cmd.ID,
			ShortID:        shortID(cmd.ID),
			DeviceID:       cmd.DeviceID,
			Preview:        cmd.Preview,
			RiskLevel:      cmd.RiskLevel,
			Status:         EffectiveStatus(cmd, now),
			CreditsCharged: cmd.CreditsCharged,
			CreatedAt:      cmd.CreatedAt,
			ExpiresAt:      cmd.ExpiresAt,
		})
	}
	return items, nil
}

// PairingCode is a short-lived single-use code the operator hands to a new
// device to complete registration.
type PairingCode struct {
	Code      string
	ExpiresAt time.Time
}

func (s *Service) StartPairing(ctx context.Context, userID string) (PairingCode, error) {
	code, err := newPairingCode()
	if err != nil {
		return PairingCode{}, err
	}
	expiresAt := time.Now().Add(s.pairingTTL)
	if err := s.q.InsertPairingCode(ctx, sqlcgen.InsertPairingCodeParams{
		Code:      code,
		UserID:    userID,
		ExpiresAt: expiresAt,
	}); err != nil {
		return PairingCode{}, err
	}
	return PairingCode{Code: code, ExpiresAt: expiresAt}, nil
}

// EffectiveStatus folds soft expiry into the stored status: a non-terminal
// command past its deadline reads as expired even though the row is never
// rewritten.
func EffectiveStatus(cmd sqlcgen.Command, now time.Time) string {
	switch cmd.Status {
	case sqlcgen.StatusCompleted, sqlcgen.StatusFailed, sqlcgen.StatusCancelled:
		return cmd.Status
	}
	if now.After(cmd.ExpiresAt) {
		return sqlcgen.StatusExpired
	}
	return cmd.Status
}

func (s *Service) refundBestEffort(ctx context.Context, userID string, amount int32) {
	if err := s.billing.Refund(ctx, userID, amount); err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Int32("amount", amount).Msg("refund after failed submit did not land")
	}
}

func preview(cmd string) string {
	runes := []rune(cmd)
	if len(runes) <= previewLimit {
		return cmd
	}
	return string(runes[:previewLimit])
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func joinWarnings(warnings []string) string {
	return strings.Join(warnings, "; ")
}

func newPairingCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
