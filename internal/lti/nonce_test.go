package lti_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mind-engage/lti-middleware/internal/db"
	"github.com/mind-engage/lti-middleware/internal/lti"
)

func openTestDB(t *testing.T, name string) *SQLDeps {
	t.Helper()
	ctx := context.Background()
	dbh, err := db.Open(ctx, db.DriverSQLite, "file:"+name+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { dbh.Close() })
	return &SQLDeps{
		Registry: lti.NewSQLRegistry(dbh),
		Nonces:   &lti.SQLNonceStore{DB: dbh},
		Store:    lti.NewSQLStore(dbh),
	}
}

// SQLDeps bundles the SQL-backed components tests wire together.
type SQLDeps struct {
	Registry *lti.SQLRegistry
	Nonces   *lti.SQLNonceStore
	Store    *lti.SQLStore
}

func TestNonceStateSingleUse(t *testing.T) {
	deps := openTestDB(t, "nonce_single_use")
	ctx := context.Background()

	ns := lti.NonceState{
		Nonce:         "nonce-1",
		StateHash:     hashHex("state-1"),
		State:         "state-1",
		StorageTarget: "platform_frame",
	}
	if err := deps.Nonces.Create(ctx, ns); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := deps.Nonces.Consume(ctx, hashHex("state-1"))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.Nonce != "nonce-1" || got.StorageTarget != "platform_frame" {
		t.Errorf("row = %+v", got)
	}

	_, err = deps.Nonces.Consume(ctx, hashHex("state-1"))
	if err == nil || !strings.Contains(err.Error(), "nonce error") {
		t.Fatalf("second consume err = %v, want nonce error", err)
	}
}

func TestNonceStateUnknownState(t *testing.T) {
	deps := openTestDB(t, "nonce_unknown")
	_, err := deps.Nonces.Consume(context.Background(), hashHex("never-created"))
	if err == nil || !strings.Contains(err.Error(), "nonce error") {
		t.Fatalf("err = %v, want nonce error", err)
	}
}

func TestNonceSweepDeletesOldRows(t *testing.T) {
	deps := openTestDB(t, "nonce_sweep")
	ctx := context.Background()
	now := time.Now().UTC()

	stale := lti.NonceState{
		Nonce: "old", StateHash: hashHex("old-state"), State: "old-state",
		CreatedAt: now.Add(-2 * time.Hour),
	}
	fresh := lti.NonceState{
		Nonce: "new", StateHash: hashHex("new-state"), State: "new-state",
		CreatedAt: now,
	}
	for _, ns := range []lti.NonceState{stale, fresh} {
		if err := deps.Nonces.Create(ctx, ns); err != nil {
			t.Fatalf("create %s: %v", ns.Nonce, err)
		}
	}

	n, err := deps.Nonces.DeleteOlderThan(ctx, now.Add(-lti.NonceRetention))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d rows, want 1", n)
	}
	if _, err := deps.Nonces.Consume(ctx, hashHex("new-state")); err != nil {
		t.Errorf("fresh row gone: %v", err)
	}
	if _, err := deps.Nonces.Consume(ctx, hashHex("old-state")); err == nil {
		t.Error("stale row survived the sweep")
	}
}
