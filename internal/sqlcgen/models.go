package sqlcgen

import "time"

// Command statuses. Transitions only move forward; the four terminal
// statuses are never left. "expired" is soft: rows past expires_at keep
// their stored status but are excluded from claims and reported as expired
// on read.
const (
	StatusAwaitingConfirmation = "awaiting_confirmation"
	StatusPending              = "pending"
	StatusExecuting            = "executing"
	StatusCompleted            = "completed"
	StatusFailed               = "failed"
	StatusCancelled            = "cancelled"
	StatusExpired              = "expired"
)

type Device struct {
	ID           string
	UserID       string
	Name         string
	DeviceType   *string
	Platform     *string
	Token        string
	Capabilities []string
	IsOnline     bool
	LastSeenAt   *time.Time
	CreatedAt    time.Time
}

type Command struct {
	ID               string
	UserID           string
	DeviceID         string
	Ciphertext       []byte
	IV               []byte
	AuthTag          []byte
	Preview          string
	RiskLevel        string
	Warnings         []string
	Status           string
	Priority         int32
	CreditsCharged   int32
	ResultCiphertext []byte
	ResultIV         []byte
	ResultAuthTag    []byte
	ResultSummary    *string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	ClaimedAt        *time.Time
	CompletedAt      *time.Time
}

// ClaimedCommand is the slice of a command handed to a device on claim: the
// encrypted payload only, never the plaintext preview.
type ClaimedCommand struct {
	ID         string
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
	Priority   int32
	CreatedAt  time.Time
}

type CommandLogEntry struct {
	ID        int64
	CommandID string
	Event     string
	Message   string
	Data      map[string]any
	CreatedAt time.Time
}
