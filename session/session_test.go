package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"energyd/chain"
	"energyd/stream"
)

type fakeConn struct {
	mu          sync.Mutex
	connects    []string
	disconnects int
	retries     int
}

func (f *fakeConn) Connect(subject string) {
	f.mu.Lock()
	f.connects = append(f.connects, subject)
	f.mu.Unlock()
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeConn) Retry() {
	f.mu.Lock()
	f.retries++
	f.mu.Unlock()
}

type fakeSubmitter struct {
	mu       sync.Mutex
	err      error
	receipt  chain.Receipt
	requests []chain.BurnRequest
}

func (f *fakeSubmitter) SubmitBurn(ctx context.Context, req chain.BurnRequest) (chain.Receipt, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return chain.Receipt{}, f.err
	}
	return f.receipt, nil
}

type staticCapacity float64

func (c staticCapacity) Capacity(ctx context.Context, subject string) (float64, error) {
	return float64(c), nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestSession(t *testing.T, submitter chain.Submitter) (*Session, *fakeConn, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	if submitter == nil {
		submitter = &fakeSubmitter{receipt: chain.Receipt{TxHash: "0xdead"}}
	}
	sess := New(
		Config{Subject: "acct-1", MaxBurn: 10_000},
		submitter,
		staticCapacity(100),
		WithClock(clock.Now),
	)
	conn := &fakeConn{}
	sess.Bind(conn)
	sess.Start()
	t.Cleanup(sess.Close)
	return sess, conn, clock
}

func ingest(t *testing.T, sess *Session, subject string, snap map[string]any) {
	t.Helper()
	payload, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	sess.HandleSnapshot(subject, payload)
}

func TestHarvestWasteAccounting(t *testing.T) {
	sess, _, _ := newTestSession(t, nil)
	ingest(t, sess, "acct-1", map[string]any{
		"spendableBalance": 90,
		"totalAccruable":   95,
		"capacity":         100,
		"perSourceAccrual": map[string]float64{"X": 30},
	})

	result, err := sess.Harvest(20, "X")
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if result.Granted != 10 || result.Wasted != 10 {
		t.Fatalf("granted/wasted: got %v/%v want 10/10", result.Granted, result.Wasted)
	}

	status := sess.Status()
	if status.Display.SpendableBalance != 100 {
		t.Fatalf("displayed spendable: got %v want 100", status.Display.SpendableBalance)
	}
	// The full requested amount comes out of accrual, not just the
	// granted part: 95 - 20 = 75.
	if status.Display.TotalAccruable != 75 {
		t.Fatalf("displayed accruable: got %v want 75", status.Display.TotalAccruable)
	}
	if got := status.Display.RemainingPerSource["X"]; got != 10 {
		t.Fatalf("source X remaining: got %v want 10", got)
	}
	if status.LastNotice == nil || status.LastNotice.Granted != 10 || status.LastNotice.Wasted != 10 {
		t.Fatalf("notice: %+v", status.LastNotice)
	}
}

func TestHarvestRejectsInvalidAmount(t *testing.T) {
	sess, _, _ := newTestSession(t, nil)
	for _, amount := range []float64{0, -5} {
		if _, err := sess.Harvest(amount, ""); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("harvest(%v): expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestHarvestTTLUnwindRestoresAuthoritativeValues(t *testing.T) {
	sess, _, clock := newTestSession(t, nil)
	ingest(t, sess, "acct-1", map[string]any{
		"spendableBalance": 40,
		"totalAccruable":   60,
		"capacity":         100,
		"flatAccrual":      20,
	})
	if _, err := sess.Harvest(15, ""); err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if got := sess.Status().Display.SpendableBalance; got != 55 {
		t.Fatalf("pre-expiry spendable: got %v want 55", got)
	}

	clock.Advance(defaultHarvestTTL + time.Second)
	sess.expireTick()

	status := sess.Status()
	if status.Display.SpendableBalance != 40 || status.Display.TotalAccruable != 60 {
		t.Fatalf("post-expiry display must match authoritative snapshot: %+v", status.Display)
	}
	if status.PendingActions != 0 {
		t.Fatalf("pending actions after expiry: %d", status.PendingActions)
	}
	// A late duplicate tick is harmless.
	sess.expireTick()
	if got := sess.Status().Display.SpendableBalance; got != 40 {
		t.Fatalf("duplicate expiry mutated state: %v", got)
	}
}

func TestBurnRollbackOnSubmissionFailure(t *testing.T) {
	submitter := &fakeSubmitter{err: &chain.Rejection{Reason: chain.RejectNetwork, Err: errors.New("broadcast timeout")}}
	sess, _, _ := newTestSession(t, submitter)
	ingest(t, sess, "acct-1", map[string]any{
		"spendableBalance": 500,
		"capacity":         1000,
	})

	_, err := sess.Burn(context.Background(), 500)
	if err == nil {
		t.Fatalf("expected submission failure to surface")
	}
	var rejection *chain.Rejection
	if !errors.As(err, &rejection) || rejection.Reason != chain.RejectNetwork {
		t.Fatalf("structured rejection lost: %v", err)
	}
	status := sess.Status()
	if status.Display.SpendableBalance != 500 {
		t.Fatalf("rollback must restore spendable: got %v want 500", status.Display.SpendableBalance)
	}
	if status.PendingActions != 0 {
		t.Fatalf("failed burn left a pending entry")
	}
}

func TestBurnAppliesDeltaAndExpires(t *testing.T) {
	submitter := &fakeSubmitter{receipt: chain.Receipt{TxHash: "0xbeef"}}
	sess, _, clock := newTestSession(t, submitter)
	ingest(t, sess, "acct-1", map[string]any{
		"spendableBalance": 300,
		"capacity":         1000,
	})

	receipt, err := sess.Burn(context.Background(), 120)
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	if receipt.TxHash != "0xbeef" {
		t.Fatalf("receipt: %+v", receipt)
	}
	if got := sess.Status().Display.SpendableBalance; got != 180 {
		t.Fatalf("post-burn spendable: got %v want 180", got)
	}

	clock.Advance(defaultBurnTTL + time.Second)
	sess.expireTick()
	if got := sess.Status().Display.SpendableBalance; got != 300 {
		t.Fatalf("burn delta must unwind at TTL: got %v want 300", got)
	}
}

func TestBurnBoundsAmountToSpendableAndSafetyCap(t *testing.T) {
	submitter := &fakeSubmitter{receipt: chain.Receipt{TxHash: "0x1"}}
	sess, _, _ := newTestSession(t, submitter)
	ingest(t, sess, "acct-1", map[string]any{
		"spendableBalance": 80,
		"capacity":         1000,
	})

	if _, err := sess.Burn(context.Background(), 5000); err != nil {
		t.Fatalf("burn: %v", err)
	}
	submitter.mu.Lock()
	defer submitter.mu.Unlock()
	if len(submitter.requests) != 1 || submitter.requests[0].Amount != 80 {
		t.Fatalf("submitted amount: %+v", submitter.requests)
	}
}

func TestBurnWithNoBalanceIsRejectedLocally(t *testing.T) {
	submitter := &fakeSubmitter{}
	sess, _, _ := newTestSession(t, submitter)
	if _, err := sess.Burn(context.Background(), 10); !errors.Is(err, ErrNoSpendableBalance) {
		t.Fatalf("expected ErrNoSpendableBalance, got %v", err)
	}
	submitter.mu.Lock()
	defer submitter.mu.Unlock()
	if len(submitter.requests) != 0 {
		t.Fatalf("no submission should happen without balance")
	}
}

func TestSubjectSwitchDiscardsOverlayAndSnapshot(t *testing.T) {
	sess, conn, _ := newTestSession(t, nil)
	ingest(t, sess, "acct-1", map[string]any{
		"spendableBalance": 50,
		"totalAccruable":   70,
		"capacity":         100,
		"flatAccrual":      20,
	})
	if _, err := sess.Harvest(10, ""); err != nil {
		t.Fatalf("harvest: %v", err)
	}

	sess.Select("acct-2")

	conn.mu.Lock()
	connects := append([]string(nil), conn.connects...)
	conn.mu.Unlock()
	if len(connects) != 2 || connects[1] != "acct-2" {
		t.Fatalf("connector calls: %v", connects)
	}

	// A late snapshot for the old subject must be dropped.
	ingest(t, sess, "acct-1", map[string]any{"spendableBalance": 99, "capacity": 100})
	status := sess.Status()
	if status.Display.SpendableBalance != 0 || status.PendingActions != 0 {
		t.Fatalf("cross-subject leakage: %+v", status)
	}

	ingest(t, sess, "acct-2", map[string]any{"spendableBalance": 7, "capacity": 100})
	if got := sess.Status().Display.SpendableBalance; got != 7 {
		t.Fatalf("new subject snapshot: got %v want 7", got)
	}
}

func TestMalformedPayloadRetainsPriorSnapshot(t *testing.T) {
	sess, _, _ := newTestSession(t, nil)
	ingest(t, sess, "acct-1", map[string]any{"spendableBalance": 33, "capacity": 100})
	sess.HandleSnapshot("acct-1", []byte(`{"spendableBalance":`))
	if got := sess.Status().Display.SpendableBalance; got != 33 {
		t.Fatalf("malformed payload mutated state: %v", got)
	}
}

func TestCapacityFallbackAppliesWhenPayloadOmitsCapacity(t *testing.T) {
	sess, _, _ := newTestSession(t, nil)
	ingest(t, sess, "acct-1", map[string]any{"spendableBalance": 40, "totalAccruable": 150})
	display := sess.Status().Display
	if display.Capacity != 100 {
		t.Fatalf("capacity fallback: got %v want 100", display.Capacity)
	}
	if display.TotalAccruable != 100 {
		t.Fatalf("accruable must clamp to fallback capacity: got %v", display.TotalAccruable)
	}
}

func TestStreamStateMapping(t *testing.T) {
	sess, conn, _ := newTestSession(t, nil)
	cases := []struct {
		in   stream.State
		want string
	}{
		{stream.StateConnected, "live"},
		{stream.StateReconnecting, "degraded"},
		{stream.StateFailed, "offline"},
	}
	for _, tc := range cases {
		sess.HandleStreamState(tc.in, errors.New("link down"))
		if got := sess.Status().State; got != tc.want {
			t.Fatalf("stream %s: session state got %q want %q", tc.in, got, tc.want)
		}
	}
	status := sess.Status()
	if !status.Stale {
		t.Fatalf("offline session must be marked stale")
	}
	if status.StreamError == "" {
		t.Fatalf("terminal state must carry a user-facing message")
	}

	sess.Reconnect()
	conn.mu.Lock()
	retries := conn.retries
	conn.mu.Unlock()
	if retries != 1 {
		t.Fatalf("reconnect must trigger the connector retry, got %d", retries)
	}
}

func TestCloseIsIdempotentAndBlocksActions(t *testing.T) {
	sess, conn, _ := newTestSession(t, nil)
	sess.Close()
	sess.Close()
	conn.mu.Lock()
	disconnects := conn.disconnects
	conn.mu.Unlock()
	if disconnects != 1 {
		t.Fatalf("disconnects: got %d want 1", disconnects)
	}
	if _, err := sess.Harvest(5, ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("harvest after close: %v", err)
	}
	if _, err := sess.Burn(context.Background(), 5); !errors.Is(err, ErrClosed) {
		t.Fatalf("burn after close: %v", err)
	}
}
