package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"command_relay/core-go/internal/billing"
	"command_relay/core-go/internal/codec"
	"command_relay/core-go/internal/command"
	"command_relay/core-go/internal/safety"
	"command_relay/core-go/internal/sqlcgen"
)

type fakeQueries struct {
	getDeviceByNameFn   func(ctx context.Context, arg sqlcgen.GetDeviceByNameParams) (sqlcgen.Device, error)
	insertCommandFn     func(ctx context.Context, arg sqlcgen.InsertCommandParams) (sqlcgen.Command, error)
	insertLogFn         func(ctx context.Context, arg sqlcgen.InsertCommandLogParams) error
	getCommandFn        func(ctx context.Context, arg sqlcgen.GetCommandForUserParams) (sqlcgen.Command, error)
	findByPrefixFn      func(ctx context.Context, arg sqlcgen.FindCommandByPrefixParams) (sqlcgen.Command, error)
	listRecentFn        func(ctx context.Context, arg sqlcgen.ListRecentCommandsParams) ([]sqlcgen.Command, error)
	listLogFn           func(ctx context.Context, arg sqlcgen.ListCommandLogForUserParams) ([]sqlcgen.CommandLogEntry, error)
	confirmFn           func(ctx context.Context, arg sqlcgen.ConfirmCommandParams) (int64, error)
	rejectFn            func(ctx context.Context, arg sqlcgen.RejectCommandParams) (int32, error)
	cancelFn            func(ctx context.Context, arg sqlcgen.CancelCommandParams) (int64, error)
	insertPairingCodeFn func(ctx context.Context, arg sqlcgen.InsertPairingCodeParams) error
}

func (f *fakeQueries) GetDeviceByName(ctx context.Context, arg sqlcgen.GetDeviceByNameParams) (sqlcgen.Device, error) {
	if f.getDeviceByNameFn == nil {
		return sqlcgen.Device{}, pgx.ErrNoRows
	}
	return f.getDeviceByNameFn(ctx, arg)
}

func (f *fakeQueries) InsertCommand(ctx context.Context, arg sqlcgen.InsertCommandParams) (sqlcgen.Command, error) {
	if f.insertCommandFn == nil {
		return sqlcgen.Command{}, nil
	}
	return f.insertCommandFn(ctx, arg)
}

func (f *fakeQueries) InsertCommandLog(ctx context.Context, arg sqlcgen.InsertCommandLogParams) error {
	if f.insertLogFn == nil {
		return nil
	}
	return f.insertLogFn(ctx, arg)
}

func (f *fakeQueries) GetCommandForUser(ctx context.Context, arg sqlcgen.GetCommandForUserParams) (sqlcgen.Command, error) {
	if f.getCommandFn == nil {
		return sqlcgen.Command{}, pgx.ErrNoRows
	}
	return f.getCommandFn(ctx, arg)
}

func (f *fakeQueries) FindCommandByPrefix(ctx context.Context, arg sqlcgen.FindCommandByPrefixParams) (sqlcgen.Command, error) {
	if f.findByPrefixFn == nil {
		return sqlcgen.Command{}, pgx.ErrNoRows
	}
	return f.findByPrefixFn(ctx, arg)
}

func (f *fakeQueries) ListRecentCommands(ctx context.Context, arg sqlcgen.ListRecentCommandsParams) ([]sqlcgen.Command, error) {
	if f.listRecentFn == nil {
		return nil, nil
	}
	return f.listRecentFn(ctx, arg)
}

func (f *fakeQueries) ListCommandLogForUser(ctx context.Context, arg sqlcgen.ListCommandLogForUserParams) ([]sqlcgen.CommandLogEntry, error) {
	if f.listLogFn == nil {
		return nil, nil
	}
	return f.listLogFn(ctx, arg)
}

func (f *fakeQueries) ConfirmCommand(ctx context.Context, arg sqlcgen.ConfirmCommandParams) (int64, error) {
	if f.confirmFn == nil {
		return 0, nil
	}
	return f.confirmFn(ctx, arg)
}

func (f *fakeQueries) RejectCommand(ctx context.Context, arg sqlcgen.RejectCommandParams) (int32, error) {
	if f.rejectFn == nil {
		return 0, pgx.ErrNoRows
	}
	return f.rejectFn(ctx, arg)
}

func (f *fakeQueries) CancelCommand(ctx context.Context, arg sqlcgen.CancelCommandParams) (int64, error) {
	if f.cancelFn == nil {
		return 0, nil
	}
	return f.cancelFn(ctx, arg)
}

func (f *fakeQueries) InsertPairingCode(ctx context.Context, arg sqlcgen.InsertPairingCodeParams) error {
	if f.insertPairingCodeFn == nil {
		return nil
	}
	return f.insertPairingCodeFn(ctx, arg)
}

type fakeBilling struct {
	cost     int32
	charges  int
	refunds  []int32
	chargeFn func(ctx context.Context, userID string) (int32, error)
}

func (f *fakeBilling) Charge(ctx context.Context, userID string) (int32, error) {
	if f.chargeFn != nil {
		return f.chargeFn(ctx, userID)
	}
	f.charges++
	return f.cost, nil
}

func (f *fakeBilling) Refund(_ context.Context, _ string, amount int32) error {
	f.refunds = append(f.refunds, amount)
	return nil
}

func newTestService(t *testing.T, q Queries, b Billing) *Service {
	t.Helper()
	c, err := codec.New("test secret")
	if err != nil {
		t.Fatalf("codec.New: %v", err)
	}
	cl := safety.New([]string{"/home/operator"})
	return New(zerolog.New(io.Discard), q, c, cl, b, nil, Options{})
}

func laptop() sqlcgen.Device {
	return sqlcgen.Device{
		ID:     "11111111-1111-1111-1111-111111111111",
		UserID: "u1",
		Name:   "laptop",
	}
}

func TestSend_BlockedCommandNeverQueuedOrCharged(t *testing.T) {
	q := &fakeQueries{
		insertCommandFn: func(context.Context, sqlcgen.InsertCommandParams) (sqlcgen.Command, error) {
			t.Fatal("blocked command must not be inserted")
			return sqlcgen.Command{}, nil
		},
	}
	b := &fakeBilling{cost: 1, chargeFn: func(context.Context, string) (int32, error) {
		t.Fatal("blocked command must not be charged")
		return 0, nil
	}}
	s := newTestService(t, q, b)

	res, err := s.Send(context.Background(), "u1", "laptop", "rm -rf /")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Success {
		t.Fatalf("blocked command must not succeed: %+v", res)
	}
	if res.CommandID != "" {
		t.Fatalf("blocked command must not get an id")
	}
	if res.ConfirmationRequired {
		t.Fatalf("blocked command must not offer confirmation")
	}
	if res.SafetyWarning == "" {
		t.Fatalf("blocked command must carry a warning")
	}
}

func TestSend_ShellStartsAwaitingConfirmation(t *testing.T) {
	var inserted sqlcgen.InsertCommandParams
	q := &fakeQueries{
		getDeviceByNameFn: func(_ context.Context, arg sqlcgen.GetDeviceByNameParams) (sqlcgen.Device, error) {
			if arg.UserID != "u1" || arg.Name != "laptop" {
				t.Fatalf("unexpected device lookup %+v", arg)
			}
			return laptop(), nil
		},
		insertCommandFn: func(_ context.Context, arg sqlcgen.InsertCommandParams) (sqlcgen.Command, error) {
			inserted = arg
			return sqlcgen.Command{ID: arg.ID, RiskLevel: arg.RiskLevel, Status: arg.Status}, nil
		},
	}
	b := &fakeBilling{cost: 2}
	s := newTestService(t, q, b)

	res, err := s.Send(context.Background(), "u1", "laptop", "git pull")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Success || !res.ConfirmationRequired {
		t.Fatalf("expected confirmation-required success, got %+v", res)
	}
	if inserted.Status != sqlcgen.StatusAwaitingConfirmation {
		t.Fatalf("status = %q, want awaiting_confirmation", inserted.Status)
	}
	if inserted.RiskLevel != "high" {
		t.Fatalf("risk = %q, want high", inserted.RiskLevel)
	}
	if inserted.CreditsCharged != 2 {
		t.Fatalf("credits charged = %d, want 2", inserted.CreditsCharged)
	}
	if b.charges != 1 {
		t.Fatalf("expected exactly one charge, got %d", b.charges)
	}
	if inserted.Preview != "git pull" {
		t.Fatalf("preview = %q", inserted.Preview)
	}
}

func TestSend_LowRiskStartsPendingAndPayloadRoundTrips(t *testing.T) {
	var inserted sqlcgen.InsertCommandParams
	q := &fakeQueries{
		getDeviceByNameFn: func(context.Context, sqlcgen.GetDeviceByNameParams) (sqlcgen.Device, error) {
			return laptop(), nil
		},
		insertCommandFn: func(_ context.Context, arg sqlcgen.InsertCommandParams) (sqlcgen.Command, error) {
			inserted = arg
			return sqlcgen.Command{ID: arg.ID, Status: arg.Status}, nil
		},
	}
	s := newTestService(t, q, &fakeBilling{cost: 1})

	res, err := s.Send(context.Background(), "u1", "laptop", "read file ~/notes.txt")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Success || res.ConfirmationRequired {
		t.Fatalf("expected auto-run success, got %+v", res)
	}
	if inserted.Status != sqlcgen.StatusPending {
		t.Fatalf("status = %q, want pending", inserted.Status)
	}

	// The stored blob must decrypt back to the typed payload.
	c, _ := codec.New("test secret")
	plain, ok := c.Decrypt(inserted.Ciphertext, inserted.IV, inserted.AuthTag)
	if !ok {
		t.Fatalf("stored payload failed to decrypt")
	}
	var p command.Payload
	if err := json.Unmarshal(plain, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.Type != command.TypeFileRead || p.Command != "~/notes.txt" {
		t.Fatalf("unexpected payload %+v", p)
	}

	if !inserted.ExpiresAt.After(time.Now().Add(50 * time.Minute)) {
		t.Fatalf("expiry should be about an hour out, got %v", inserted.ExpiresAt)
	}
}

func TestSend_UnknownDeviceIsPolicyFailure(t *testing.T) {
	s := newTestService(t, &fakeQueries{}, &fakeBilling{cost: 1, chargeFn: func(context.Context, string) (int32, error) {
		t.Fatal("no charge without a device")
		return 0, nil
	}})

	res, err := s.Send(context.Background(), "u1", "ghost", "screenshot")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Success || res.Error == "" {
		t.Fatalf("expected device-not-registered failure, got %+v", res)
	}
}

func TestSend_InsufficientCredits(t *testing.T) {
	q := &fakeQueries{
		getDeviceByNameFn: func(context.Context, sqlcgen.GetDeviceByNameParams) (sqlcgen.Device, error) {
			return laptop(), nil
		},
		insertCommandFn: func(context.Context, sqlcgen.InsertCommandParams) (sqlcgen.Command, error) {
			t.Fatal("unaffordable command must not be inserted")
			return sqlcgen.Command{}, nil
		},
	}
	b := &fakeBilling{chargeFn: func(context.Context, string) (int32, error) {
		return 0, billing.ErrInsufficientCredits
	}}
	s := newTestService(t, q, b)

	res, err := s.Send(context.Background(), "u1", "laptop", "screenshot")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Success || res.Error != "insufficient credits" {
		t.Fatalf("expected insufficient credits failure, got %+v", res)
	}
}

func TestSend_InsertFailureRefunds(t *testing.T) {
	q := &fakeQueries{
		getDeviceByNameFn: func(context.Context, sqlcgen.GetDeviceByNameParams) (sqlcgen.Device, error) {
			return laptop(), nil
		},
		insertCommandFn: func(context.Context, sqlcgen.InsertCommandParams) (sqlcgen.Command, error) {
			return sqlcgen.Command{}, errors.New("insert failed")
		},
	}
	b := &fakeBilling{cost: 3}
	s := newTestService(t, q, b)

	if _, err := s.Send(context.Background(), "u1", "laptop", "screenshot"); err == nil {
		t.Fatalf("expected store error to propagate")
	}
	if len(b.refunds) != 1 || b.refunds[0] != 3 {
		t.Fatalf("expected the charge to be refunded, got %v", b.refunds)
	}
}

func TestConfirm_ByPrefixLogsAndReports(t *testing.T) {
	var logged []string
	q := &fakeQueries{
		findByPrefixFn: func(_ context.Context, arg sqlcgen.FindCommandByPrefixParams) (sqlcgen.Command, error) {
			if arg.UserID != "u1" || arg.Prefix != "abcd1234" {
				t.Fatalf("unexpected prefix lookup %+v", arg)
			}
			return sqlcgen.Command{ID: "abcd1234-0000-0000-0000-000000000000"}, nil
		},
		confirmFn: func(_ context.Context, arg sqlcgen.ConfirmCommandParams) (int64, error) {
			if arg.UserID != "u1" {
				t.Fatalf("confirm must stay user-scoped: %+v", arg)
			}
			return 1, nil
		},
		insertLogFn: func(_ context.Context, arg sqlcgen.InsertCommandLogParams) error {
			logged = append(logged, arg.Event)
			return nil
		},
	}
	s := newTestService(t, q, &fakeBilling{})

	ok, err := s.Confirm(context.Background(), "abcd1234", "u1")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if !ok {
		t.Fatalf("expected confirmation to land")
	}
	if len(logged) != 1 || logged[0] != "confirmed_by_user" {
		t.Fatalf("expected confirmed_by_user log entry, got %v", logged)
	}
}

func TestConfirm_MissingCommandIsNoOp(t *testing.T) {
	s := newTestService(t, &fakeQueries{}, &fakeBilling{})
	ok, err := s.Confirm(context.Background(), "deadbeef", "u1")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if ok {
		t.Fatalf("missing command must be a no-op")
	}
}

func TestReject_RefundsExactCharge(t *testing.T) {
	b := &fakeBilling{}
	q := &fakeQueries{
		findByPrefixFn: func(context.Context, sqlcgen.FindCommandByPrefixParams) (sqlcgen.Command, error) {
			return sqlcgen.Command{ID: "abcd1234-0000-0000-0000-000000000000"}, nil
		},
		rejectFn: func(context.Context, sqlcgen.RejectCommandParams) (int32, error) {
			return 5, nil
		},
	}
	s := newTestService(t, q, b)

	refunded, err := s.Reject(context.Background(), "abcd1234", "u1")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if refunded != 5 {
		t.Fatalf("refunded = %d, want 5", refunded)
	}
	if len(b.refunds) != 1 || b.refunds[0] != 5 {
		t.Fatalf("ledger refund mismatch: %v", b.refunds)
	}
}

func TestReject_AlreadyTerminalNoRefund(t *testing.T) {
	b := &fakeBilling{}
	q := &fakeQueries{
		findByPrefixFn: func(context.Context, sqlcgen.FindCommandByPrefixParams) (sqlcgen.Command, error) {
			return sqlcgen.Command{ID: "abcd1234-0000-0000-0000-000000000000"}, nil
		},
		rejectFn: func(context.Context, sqlcgen.RejectCommandParams) (int32, error) {
			return 0, pgx.ErrNoRows
		},
	}
	s := newTestService(t, q, b)

	refunded, err := s.Reject(context.Background(), "abcd1234", "u1")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if refunded != 0 || len(b.refunds) != 0 {
		t.Fatalf("terminal command must not refund: %d %v", refunded, b.refunds)
	}
}

func TestGetCommandResult_DecryptsStoredResult(t *testing.T) {
	c, _ := codec.New("test secret")
	ct, iv, tag, _ := c.Encrypt([]byte("file contents here"))
	summary := "read 18 bytes"
	done := time.Now()

	q := &fakeQueries{
		getCommandFn: func(_ context.Context, arg sqlcgen.GetCommandForUserParams) (sqlcgen.Command, error) {
			if arg.UserID != "u1" {
				t.Fatalf("result lookup must be user-scoped: %+v", arg)
			}
			return sqlcgen.Command{
				ID:               arg.ID,
				Status:           sqlcgen.StatusCompleted,
				ResultCiphertext: ct,
				ResultIV:         iv,
				ResultAuthTag:    tag,
				ResultSummary:    &summary,
				CompletedAt:      &done,
				ExpiresAt:        time.Now().Add(time.Hour),
			}, nil
		},
	}
	s := newTestService(t, q, &fakeBilling{})

	res, err := s.GetCommandResult(context.Background(), "cccccccc-0000-0000-0000-000000000000", "u1")
	if err != nil {
		t.Fatalf("GetCommandResult: %v", err)
	}
	if res.Status != sqlcgen.StatusCompleted {
		t.Fatalf("status = %q", res.Status)
	}
	if res.Output != "file contents here" {
		t.Fatalf("output = %q", res.Output)
	}
	if res.Summary != "read 18 bytes" {
		t.Fatalf("summary = %q", res.Summary)
	}
}

func TestGetCommandResult_CorruptResultIsEmptyNotError(t *testing.T) {
	q := &fakeQueries{
		getCommandFn: func(_ context.Context, arg sqlcgen.GetCommandForUserParams) (sqlcgen.Command, error) {
			return sqlcgen.Command{
				ID:               arg.ID,
				Status:           sqlcgen.StatusCompleted,
				ResultCiphertext: []byte("garbage"),
				ResultIV:         []byte("bad"),
				ResultAuthTag:    []byte("bad"),
				ExpiresAt:        time.Now().Add(time.Hour),
			}, nil
		},
	}
	s := newTestService(t, q, &fakeBilling{})

	res, err := s.GetCommandResult(context.Background(), "cccccccc-0000-0000-0000-000000000000", "u1")
	if err != nil {
		t.Fatalf("GetCommandResult: %v", err)
	}
	if res.Output != "" {
		t.Fatalf("corrupt result must read as empty, got %q", res.Output)
	}
}

func TestGetCommandResult_NotFound(t *testing.T) {
	s := newTestService(t, &fakeQueries{}, &fakeBilling{})
	if _, err := s.GetCommandResult(context.Background(), "cccccccc-0000-0000-0000-000000000000", "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEffectiveStatus(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	cases := []struct {
		status    string
		expiresAt time.Time
		want      string
	}{
		{sqlcgen.StatusPending, future, sqlcgen.StatusPending},
		{sqlcgen.StatusPending, past, sqlcgen.StatusExpired},
		{sqlcgen.StatusAwaitingConfirmation, past, sqlcgen.StatusExpired},
		{sqlcgen.StatusExecuting, past, sqlcgen.StatusExpired},
		{sqlcgen.StatusCompleted, past, sqlcgen.StatusCompleted},
		{sqlcgen.StatusFailed, past, sqlcgen.StatusFailed},
		{sqlcgen.StatusCancelled, past, sqlcgen.StatusCancelled},
	}
	for _, tc := range cases {
		got := EffectiveStatus(sqlcgen.Command{Status: tc.status, ExpiresAt: tc.expiresAt}, now)
		if got != tc.want {
			t.Fatalf("EffectiveStatus(%s, expires %v) = %q, want %q", tc.status, tc.expiresAt, got, tc.want)
		}
	}
}

func TestGetRecentCommands_ShortIDAndEffectiveStatus(t *testing.T) {
	q := &fakeQueries{
		listRecentFn: func(_ context.Context, arg sqlcgen.ListRecentCommandsParams) ([]sqlcgen.Command, error) {
			if arg.Limit != 10 {
				t.Fatalf("default limit should be 10, got %d", arg.Limit)
			}
			return []sqlcgen.Command{
				{ID: "aaaaaaaa-0000-0000-0000-000000000000", Status: sqlcgen.StatusPending, ExpiresAt: time.Now().Add(-time.Minute)},
			}, nil
		},
	}
	s := newTestService(t, q, &fakeBilling{})

	items, err := s.GetRecentCommands(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("GetRecentCommands: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one item")
	}
	if items[0].ShortID != "aaaaaaaa" {
		t.Fatalf("short id = %q", items[0].ShortID)
	}
	if items[0].Status != sqlcgen.StatusExpired {
		t.Fatalf("overdue pending command must read as expired, got %q", items[0].Status)
	}
}

func TestStartPairing_SingleUseCodeShape(t *testing.T) {
	var inserted sqlcgen.InsertPairingCodeParams
	q := &fakeQueries{
		insertPairingCodeFn: func(_ context.Context, arg sqlcgen.InsertPairingCodeParams) error {
			inserted = arg
			return nil
		},
	}
	s := newTestService(t, q, &fakeBilling{})

	code, err := s.StartPairing(context.Background(), "u1")
	if err != nil {
		t.Fatalf("StartPairing: %v", err)
	}
	if len(code.Code) != 6 {
		t.Fatalf("expected 6-digit code, got %q", code.Code)
	}
	if inserted.UserID != "u1" || inserted.Code != code.Code {
		t.Fatalf("unexpected insert %+v", inserted)
	}
	if !code.ExpiresAt.After(time.Now()) {
		t.Fatalf("pairing code must expire in the future")
	}
}
