package sqlcgen

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX matches the minimal interface needed from pgxpool.Pool or pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const insertDevice = `-- name: InsertDevice :one
INSERT INTO devices (user_id, name, device_type, platform, token, capabilities)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, '{}'::text[]))
RETURNING id, user_id, name, device_type, platform, token, capabilities, is_online, last_seen_at, created_at
`

type InsertDeviceParams struct {
	UserID       string
	Name         string
	DeviceType   *string
	Platform     *string
	Token        string
	Capabilities []string
}

func (q *Queries) InsertDevice(ctx context.Context, arg InsertDeviceParams) (Device, error) {
	row := q.db.QueryRow(ctx, insertDevice, arg.UserID, arg.Name, arg.DeviceType, arg.Platform, arg.Token, arg.Capabilities)
	var i Device
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.Name,
		&i.DeviceType,
		&i.Platform,
		&i.Token,
		&i.Capabilities,
		&i.IsOnline,
		&i.LastSeenAt,
		&i.CreatedAt,
	)
	return i, err
}

const getDeviceByToken = `-- name: GetDeviceByToken :one
SELECT id, user_id, name, device_type, platform, token, capabilities, is_online, last_seen_at, created_at
FROM devices
WHERE token = $1
`

func (q *Queries) GetDeviceByToken(ctx context.Context, token string) (Device, error) {
	row := q.db.QueryRow(ctx, getDeviceByToken, token)
	var i Device
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.Name,
		&i.DeviceType,
		&i.Platform,
		&i.Token,
		&i.Capabilities,
		&i.IsOnline,
		&i.LastSeenAt,
		&i.CreatedAt,
	)
	return i, err
}

const getDeviceByName = `-- name: GetDeviceByName :one
SELECT id, user_id, name, device_type, platform, token, capabilities, is_online, last_seen_at, created_at
FROM devices
WHERE user_id = $1 AND name = $2
`

type GetDeviceByNameParams struct {
	UserID string
	Name   string
}

func (q *Queries) GetDeviceByName(ctx context.Context, arg GetDeviceByNameParams) (Device, error) {
	row := q.db.QueryRow(ctx, getDeviceByName, arg.UserID, arg.Name)
	var i Device
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.Name,
		&i.DeviceType,
		&i.Platform,
		&i.Token,
		&i.Capabilities,
		&i.IsOnline,
		&i.LastSeenAt,
		&i.CreatedAt,
	)
	return i, err
}

const listDevicesForUser = `-- name: ListDevicesForUser :many
SELECT id, user_id, name, device_type, platform, token, capabilities, is_online, last_seen_at, created_at
FROM devices
WHERE user_id = $1
ORDER BY created_at ASC
`

func (q *Queries) ListDevicesForUser(ctx context.Context, userID string) ([]Device, error) {
	rows, err := q.db.Query(ctx, listDevicesForUser, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Device
	for rows.Next() {
		var i Device
		if err := rows.Scan(
			&i.ID,
			&i.UserID,
			&i.Name,
			&i.DeviceType,
			&i.Platform,
			&i.Token,
			&i.Capabilities,
			&i.IsOnline,
			&i.LastSeenAt,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const deleteDeviceByName = `-- name: DeleteDeviceByName :execrows
DELETE FROM devices
WHERE user_id = $1 AND name = $2
`

type DeleteDeviceByNameParams struct {
	UserID string
	Name   string
}

func (q *Queries) DeleteDeviceByName(ctx context.Context, arg DeleteDeviceByNameParams) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteDeviceByName, arg.UserID, arg.Name)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const touchDeviceHeartbeat = `-- name: TouchDeviceHeartbeat :exec
UPDATE devices
SET is_online = true,
    last_seen_at = now(),
    capabilities = COALESCE($2, capabilities)
WHERE id = $1::uuid
`

type TouchDeviceHeartbeatParams struct {
	ID           string
	Capabilities []string
}

func (q *Queries) TouchDeviceHeartbeat(ctx context.Context, arg TouchDeviceHeartbeatParams) error {
	_, err := q.db.Exec(ctx, touchDeviceHeartbeat, arg.ID, arg.Capabilities)
	return err
}

const insertPairingCode = `-- name: InsertPairingCode :exec
INSERT INTO pairing_codes (code, user_id, expires_at)
VALUES ($1, $2, $3)
`

type InsertPairingCodeParams struct {
	Code      string
	UserID    string
	ExpiresAt time.Time
}

func (q *Queries) InsertPairingCode(ctx context.Context, arg InsertPairingCodeParams) error {
	_, err := q.db.Exec(ctx, insertPairingCode, arg.Code, arg.UserID, arg.ExpiresAt)
	return err
}

const claimPairingCode = `-- name: ClaimPairingCode :one
UPDATE pairing_codes
SET claimed_at = now()
WHERE code = $1
  AND claimed_at IS NULL
  AND expires_at > now()
RETURNING user_id
`

func (q *Queries) ClaimPairingCode(ctx context.Context, code string) (string, error) {
	row := q.db.QueryRow(ctx, claimPairingCode, code)
	var userID string
	err := row.Scan(&userID)
	return userID, err
}

const insertCommand = `-- name: InsertCommand :one
INSERT INTO commands (
  id,
  user_id,
  device_id,
  ciphertext,
  iv,
  auth_tag,
  preview,
  risk_level,
  warnings,
  status,
  priority,
  credits_charged,
  expires_at
)
VALUES ($1::uuid, $2, $3::uuid, $4, $5, $6, $7, $8, COALESCE($9, '{}'::text[]), $10, $11, $12, $13)
RETURNING id, user_id, device_id, ciphertext, iv, auth_tag, preview, risk_level, warnings, status, priority, credits_charged,
          result_ciphertext, result_iv, result_auth_tag, result_summary, created_at, expires_at, claimed_at, completed_at
`

type InsertCommandParams struct {
	ID             string
	UserID         string
	DeviceID       string
	Ciphertext     []byte
	IV             []byte
	AuthTag        []byte
	Preview        string
	RiskLevel      string
	Warnings       []string
	Status         string
	Priority       int32
	CreditsCharged int32
	ExpiresAt      time.Time
}

func (q *Queries) InsertCommand(ctx context.Context, arg InsertCommandParams) (Command, error) {
	row := q.db.QueryRow(
		ctx,
		insertCommand,
		arg.ID,
		arg.UserID,
		arg.DeviceID,
		arg.Ciphertext,
		arg.IV,
		arg.AuthTag,
		arg.Preview,
		arg.RiskLevel,
		arg.Warnings,
		arg.Status,
		arg.Priority,
		arg.CreditsCharged,
		arg.ExpiresAt,
	)
	return scanCommand(row)
}

const getCommandForUser = `-- name: GetCommandForUser :one
SELECT id, user_id, device_id, ciphertext, iv, auth_tag, preview, risk_level, warnings, status, priority, credits_charged,
       result_ciphertext, result_iv, result_auth_tag, result_summary, created_at, expires_at, claimed_at, completed_at
FROM commands
WHERE id = $1::uuid AND user_id = $2
`

type GetCommandForUserParams struct {
	ID     string
	UserID string
}

func (q *Queries) GetCommandForUser(ctx context.Context, arg GetCommandForUserParams) (Command, error) {
	row := q.db.QueryRow(ctx, getCommandForUser, arg.ID, arg.UserID)
	return scanCommand(row)
}

const findCommandByPrefix = `-- name: FindCommandByPrefix :one
SELECT id, user_id, device_id, ciphertext, iv, auth_tag, preview, risk_level, warnings, status, priority, credits_charged,
       result_ciphertext, result_iv, result_auth_tag, result_summary, created_at, expires_at, claimed_at, completed_at
FROM commands
WHERE user_id = $1
  AND id::text LIKE $2 || '%'
ORDER BY created_at DESC
LIMIT 1
`

type FindCommandByPrefixParams struct {
	UserID string
	Prefix string
}

// FindCommandByPrefix resolves the short operator-facing id prefix to the
// most recent matching command. Scoped to the requesting user so prefix
// collisions never cross accounts.
func (q *Queries) FindCommandByPrefix(ctx context.Context, arg FindCommandByPrefixParams) (Command, error) {
	row := q.db.QueryRow(ctx, findCommandByPrefix, arg.UserID, arg.Prefix)
	return scanCommand(row)
}

const listRecentCommands = `-- name: ListRecentCommands :many
SELECT id, user_id, device_id, ciphertext, iv, auth_tag, preview, risk_level, warnings, status, priority, credits_charged,
       result_ciphertext, result_iv, result_auth_tag, result_summary, created_at, expires_at, claimed_at, completed_at
FROM commands
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2
`

type ListRecentCommandsParams struct {
	UserID string
	Limit  int32
}

func (q *Queries) ListRecentCommands(ctx context.Context, arg ListRecentCommandsParams) ([]Command, error) {
	rows, err := q.db.Query(ctx, listRecentCommands, arg.UserID, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Command
	for rows.Next() {
		i, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const confirmCommand = `-- name: ConfirmCommand :execrows
UPDATE commands
SET status = 'pending'
WHERE id = $1::uuid
  AND user_id = $2
  AND status = 'awaiting_confirmation'
  AND expires_at > now()
`

type ConfirmCommandParams struct {
	ID     string
	UserID string
}

// ConfirmCommand releases an awaiting_confirmation command into the queue.
// Zero rows affected means the command is absent, already moved on, or
// expired; callers treat that as a no-op so retries stay idempotent.
func (q *Queries) ConfirmCommand(ctx context.Context, arg ConfirmCommandParams) (int64, error) {
	tag, err := q.db.Exec(ctx, confirmCommand, arg.ID, arg.UserID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const rejectCommand = `-- name: RejectCommand :one
UPDATE commands
SET status = 'cancelled',
    completed_at = now()
WHERE id = $1::uuid
  AND user_id = $2
  AND status = 'awaiting_confirmation'
RETURNING credits_charged
`

type RejectCommandParams struct {
	ID     string
	UserID string
}

// RejectCommand cancels an awaiting_confirmation command and reports the
// amount to refund. pgx.ErrNoRows means nothing was rejected (no refund).
func (q *Queries) RejectCommand(ctx context.Context, arg RejectCommandParams) (int32, error) {
	row := q.db.QueryRow(ctx, rejectCommand, arg.ID, arg.UserID)
	var credits int32
	err := row.Scan(&credits)
	return credits, err
}

const cancelCommand = `-- name: CancelCommand :execrows
UPDATE commands
SET status = 'cancelled',
    completed_at = now()
WHERE id = $1::uuid
  AND user_id = $2
  AND status IN ('pending', 'awaiting_confirmation')
`

type CancelCommandParams struct {
	ID     string
	UserID string
}

func (q *Queries) CancelCommand(ctx context.Context, arg CancelCommandParams) (int64, error) {
	tag, err := q.db.Exec(ctx, cancelCommand, arg.ID, arg.UserID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const claimPendingCommands = `-- name: ClaimPendingCommands :many
WITH eligible AS (
  SELECT id
  FROM commands
  WHERE device_id = $1::uuid
    AND status = 'pending'
    AND claimed_at IS NULL
    AND expires_at > now()
  ORDER BY priority DESC, created_at ASC
  LIMIT $2
  FOR UPDATE SKIP LOCKED
)
UPDATE commands c
SET claimed_at = now()
FROM eligible
WHERE c.id = eligible.id
RETURNING c.id, c.ciphertext, c.iv, c.auth_tag, c.priority, c.created_at
`

type ClaimPendingCommandsParams struct {
	DeviceID string
	Limit    int32
}

// ClaimPendingCommands atomically hands up to Limit queued commands to the
// calling device. SKIP LOCKED makes concurrent claims for the same device
// disjoint: a command row is claimed by at most one poller, ever.
func (q *Queries) ClaimPendingCommands(ctx context.Context, arg ClaimPendingCommandsParams) ([]ClaimedCommand, error) {
	rows, err := q.db.Query(ctx, claimPendingCommands, arg.DeviceID, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ClaimedCommand
	for rows.Next() {
		var i ClaimedCommand
		if err := rows.Scan(&i.ID, &i.Ciphertext, &i.IV, &i.AuthTag, &i.Priority, &i.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const countPendingCommands = `-- name: CountPendingCommands :one
SELECT COUNT(*)
FROM commands
WHERE device_id = $1::uuid
  AND status = 'pending'
  AND claimed_at IS NULL
  AND expires_at > now()
`

func (q *Queries) CountPendingCommands(ctx context.Context, deviceID string) (int64, error) {
	row := q.db.QueryRow(ctx, countPendingCommands, deviceID)
	var n int64
	err := row.Scan(&n)
	return n, err
}

const markCommandExecuting = `-- name: MarkCommandExecuting :execrows
UPDATE commands
SET status = 'executing'
WHERE id = $1::uuid
  AND device_id = $2::uuid
  AND status = 'pending'
  AND expires_at > now()
`

type MarkCommandExecutingParams struct {
	ID       string
	DeviceID string
}

func (q *Queries) MarkCommandExecuting(ctx context.Context, arg MarkCommandExecutingParams) (int64, error) {
	tag, err := q.db.Exec(ctx, markCommandExecuting, arg.ID, arg.DeviceID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const completeCommand = `-- name: CompleteCommand :execrows
UPDATE commands
SET status = $3,
    result_ciphertext = $4,
    result_iv = $5,
    result_auth_tag = $6,
    result_summary = $7,
    completed_at = now()
WHERE id = $1::uuid
  AND device_id = $2::uuid
  AND status IN ('pending', 'executing')
  AND expires_at > now()
`

type CompleteCommandParams struct {
	ID               string
	DeviceID         string
	Status           string
	ResultCiphertext []byte
	ResultIV         []byte
	ResultAuthTag    []byte
	ResultSummary    *string
}

// CompleteCommand writes the terminal state and result blob. The device
// scope plus the non-terminal status predicate makes forged or replayed
// submissions harmless no-ops.
func (q *Queries) CompleteCommand(ctx context.Context, arg CompleteCommandParams) (int64, error) {
	tag, err := q.db.Exec(
		ctx,
		completeCommand,
		arg.ID,
		arg.DeviceID,
		arg.Status,
		arg.ResultCiphertext,
		arg.ResultIV,
		arg.ResultAuthTag,
		arg.ResultSummary,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const insertCommandLog = `-- name: InsertCommandLog :exec
INSERT INTO command_log (command_id, event, message, data)
VALUES ($1::uuid, $2, $3, $4)
`

type InsertCommandLogParams struct {
	CommandID string
	Event     string
	Message   string
	Data      map[string]any
}

func (q *Queries) InsertCommandLog(ctx context.Context, arg InsertCommandLogParams) error {
	_, err := q.db.Exec(ctx, insertCommandLog, arg.CommandID, arg.Event, arg.Message, arg.Data)
	return err
}

const appendCommandLogForDevice = `-- name: AppendCommandLogForDevice :execrows
INSERT INTO command_log (command_id, event, message, data)
SELECT c.id, $3, $4, $5
FROM commands c
WHERE c.id = $1::uuid
  AND c.device_id = $2::uuid
`

type AppendCommandLogForDeviceParams struct {
	CommandID string
	DeviceID  string
	Event     string
	Message   string
	Data      map[string]any
}

// AppendCommandLogForDevice appends a device-reported progress entry, but
// only when the command actually targets the calling device. Cross-device
// injection attempts insert nothing.
func (q *Queries) AppendCommandLogForDevice(ctx context.Context, arg AppendCommandLogForDeviceParams) (int64, error) {
	tag, err := q.db.Exec(ctx, appendCommandLogForDevice, arg.CommandID, arg.DeviceID, arg.Event, arg.Message, arg.Data)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const listCommandLogForUser = `-- name: ListCommandLogForUser :many
SELECT l.id, l.command_id, l.event, l.message, l.data, l.created_at
FROM command_log l
JOIN commands c ON c.id = l.command_id
WHERE l.command_id = $1::uuid
  AND c.user_id = $2
ORDER BY l.id ASC
`

type ListCommandLogForUserParams struct {
	CommandID string
	UserID    string
}

func (q *Queries) ListCommandLogForUser(ctx context.Context, arg ListCommandLogForUserParams) ([]CommandLogEntry, error) {
	rows, err := q.db.Query(ctx, listCommandLogForUser, arg.CommandID, arg.UserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []CommandLogEntry
	for rows.Next() {
		var i CommandLogEntry
		if err := rows.Scan(&i.ID, &i.CommandID, &i.Event, &i.Message, &i.Data, &i.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const debitCredits = `-- name: DebitCredits :one
UPDATE user_credits
SET balance = balance - $2,
    updated_at = now()
WHERE user_id = $1
  AND balance >= $2
RETURNING balance
`

type DebitCreditsParams struct {
	UserID string
	Amount int32
}

// DebitCredits atomically takes Amount from the user's balance. pgx.ErrNoRows
// means the balance was insufficient (or the account has no ledger row).
func (q *Queries) DebitCredits(ctx context.Context, arg DebitCreditsParams) (int32, error) {
	row := q.db.QueryRow(ctx, debitCredits, arg.UserID, arg.Amount)
	var balance int32
	err := row.Scan(&balance)
	return balance, err
}

const creditCredits = `-- name: CreditCredits :one
INSERT INTO user_credits (user_id, balance)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE
SET balance = user_credits.balance + EXCLUDED.balance,
    updated_at = now()
RETURNING balance
`

type CreditCreditsParams struct {
	UserID string
	Amount int32
}

func (q *Queries) CreditCredits(ctx context.Context, arg CreditCreditsParams) (int32, error) {
	row := q.db.QueryRow(ctx, creditCredits, arg.UserID, arg.Amount)
	var balance int32
	err := row.Scan(&balance)
	return balance, err
}

const getCreditBalance = `-- name: GetCreditBalance :one
SELECT balance
FROM user_credits
WHERE user_id = $1
`

func (q *Queries) GetCreditBalance(ctx context.Context, userID string) (int32, error) {
	row := q.db.QueryRow(ctx, getCreditBalance, userID)
	var balance int32
	err := row.Scan(&balance)
	return balance, err
}

type commandRow interface {
	Scan(dest ...any) error
}

func scanCommand(row commandRow) (Command, error) {
	var i Command
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.DeviceID,
		&i.Ciphertext,
		&i.IV,
		&i.AuthTag,
		&i.Preview,
		&i.RiskLevel,
		&i.Warnings,
		&i.Status,
		&i.Priority,
		&i.CreditsCharged,
		&i.ResultCiphertext,
		&i.ResultIV,
		&i.ResultAuthTag,
		&i.ResultSummary,
		&i.CreatedAt,
		&i.ExpiresAt,
		&i.ClaimedAt,
		&i.CompletedAt,
	)
	return i, err
}
