package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/zsprackett/jobkit/internal/db"
	"github.com/zsprackett/jobkit/internal/history"
	"github.com/zsprackett/jobkit/internal/output"
)

func openStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return store
}

func TestMigrate(t *testing.T) {
	store := openStore(t)
	// A second run must tolerate existing tables and columns.
	if err := store.Migrate(); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestMetadata(t *testing.T) {
	store := openStore(t)

	v, err := store.GetMeta("missing")
	if err != nil || v != "" {
		t.Fatalf("missing key: got %q, %v", v, err)
	}
	if err := store.SetMeta("k", "v1"); err != nil {
		t.Fatal(err)
	}
	store.SetMeta("k", "v2")
	if v, _ := store.GetMeta("k"); v != "v2" {
		t.Errorf("got %q want v2", v)
	}
}

func TestEnsureSecretIsStable(t *testing.T) {
	store := openStore(t)
	first, err := store.EnsureSecret("jwt_secret")
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(first))
	}
	second, _ := store.EnsureSecret("jwt_secret")
	if first != second {
		t.Error("secret changed between calls")
	}
}

func finishedInvocation(id, job string, started time.Time, lines ...string) *history.Invocation {
	inv := history.New(id, job, started, map[string]string{"TARGET": "prod"})
	for _, l := range lines {
		inv.Output.Write([]byte(l))
	}
	inv.Output.Close()
	return inv.Finish(started.Add(time.Second), history.StatusSuccess, nil)
}

func TestInvocationRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	inv := finishedInvocation("inv-1", "backup", started, "dumping\r\n", "\x1b[32mdone\x1b[0m\n")
	if err := store.Add(ctx, inv); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, err := store.Get(ctx, "backup", "inv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != history.StatusSuccess {
		t.Errorf("status: got %q", got.Status)
	}
	if !got.Started.Equal(started) || !got.Complete.Equal(started.Add(time.Second)) {
		t.Errorf("times: %v %v", got.Started, got.Complete)
	}
	if got.Parameters["TARGET"] != "prod" {
		t.Errorf("parameters: %v", got.Parameters)
	}
	if got.Output.String() != inv.Output.String() {
		t.Errorf("output: got %q want %q", got.Output.String(), inv.Output.String())
	}
	want := inv.Output.Chunks()
	chunks := got.Output.Chunks()
	if len(chunks) != len(want) {
		t.Fatalf("chunks: got %d want %d", len(chunks), len(want))
	}
	for i := range want {
		if chunks[i].ID() != want[i].ID() {
			t.Errorf("chunk %d id: got %d want %d", i, chunks[i].ID(), want[i].ID())
		}
	}
	if !got.Output.Closed() {
		t.Error("restored output should be closed")
	}

	if _, err := store.Get(ctx, "backup", "nope"); err != history.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCullByCountAndAge(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, age := range []time.Duration{72 * time.Hour, 3 * time.Hour, 2 * time.Hour, time.Hour} {
		inv := finishedInvocation(string(rune('a'+i)), "sync", now.Add(-age))
		if err := store.Add(ctx, inv); err != nil {
			t.Fatal(err)
		}
	}
	store.Add(ctx, finishedInvocation("other", "report", now.Add(-100*time.Hour)))

	if err := store.Cull(ctx, "sync", 3, 0); err != nil {
		t.Fatal(err)
	}
	list, _ := store.List(ctx, "sync")
	if len(list) != 3 || list[0].ID != "b" {
		t.Fatalf("after count cull: %+v", history.Summaries(list))
	}

	if err := store.Cull(ctx, "sync", 0, 150*time.Minute); err != nil {
		t.Fatal(err)
	}
	list, _ = store.List(ctx, "sync")
	if len(list) != 2 || list[0].ID != "c" || list[1].ID != "d" {
		t.Fatalf("after age cull: %+v", history.Summaries(list))
	}

	if n, _ := store.InvocationCount(ctx, "report"); n != 1 {
		t.Errorf("other job culled: count %d", n)
	}
}

func TestEmptyOutputRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	inv := &history.Invocation{
		ID:      "empty",
		JobName: "noop",
		Started: time.Now().UTC(),
		Status:  history.StatusFailed,
		Err:     "exit status 1",
		Output:  output.FromChunks(nil),
	}
	if err := store.Add(ctx, inv); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(ctx, "noop", "empty")
	if err != nil {
		t.Fatal(err)
	}
	if got.Output.Len() != 0 || got.Err != "exit status 1" || !got.Complete.IsZero() {
		t.Errorf("unexpected: %+v", got)
	}
}

func TestAccountCRUD(t *testing.T) {
	store := openStore(t)

	// CreateAccount
	acc, err := store.CreateAccount("alice", "hashed-pw")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if acc.Username != "alice" {
		t.Errorf("expected username alice, got %s", acc.Username)
	}
	if acc.ID == "" {
		t.Error("expected non-empty ID")
	}

	if _, err := store.CreateAccount("alice", "again"); err == nil {
		t.Error("expected duplicate username to fail")
	}

	got, err := store.GetAccountByUsername("alice")
	if err != nil {
		t.Fatalf("GetAccountByUsername: %v", err)
	}
	if got.ID != acc.ID {
		t.Errorf("ID mismatch: %s != %s", got.ID, acc.ID)
	}

	if err := store.UpdateAccountPassword(acc.ID, "new-hash"); err != nil {
		t.Fatalf("UpdateAccountPassword: %v", err)
	}
	got, _ = store.GetAccount(acc.ID)
	if got.PasswordHash != "new-hash" {
		t.Error("password not updated")
	}
	if err := store.UpdateAccountPassword("missing", "x"); err != db.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	has, err := store.HasAnyAccount()
	if err != nil {
		t.Fatalf("HasAnyAccount: %v", err)
	}
	if !has {
		t.Error("expected HasAnyAccount to return true")
	}
}

func TestRefreshTokenCRUD(t *testing.T) {
	store := openStore(t)

	acc, _ := store.CreateAccount("bob", "pw")
	exp := time.Now().Add(7 * 24 * time.Hour)

	if err := store.CreateRefreshToken("tok123", acc.ID, exp); err != nil {
		t.Fatalf("CreateRefreshToken: %v", err)
	}
	rt, err := store.GetRefreshToken("tok123")
	if err != nil {
		t.Fatalf("GetRefreshToken: %v", err)
	}
	if rt.AccountID != acc.ID {
		t.Errorf("AccountID mismatch")
	}

	if _, err = store.GetRefreshToken("notexist"); err == nil {
		t.Error("expected error for missing token")
	}

	store.CreateRefreshToken("expired", acc.ID, time.Now().Add(-time.Minute))
	if _, err := store.GetRefreshToken("expired"); err == nil {
		t.Error("expected error for expired token")
	}
	if err := store.PruneRefreshTokens(); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteRefreshToken("tok123"); err != nil {
		t.Fatalf("DeleteRefreshToken: %v", err)
	}
	if _, err = store.GetRefreshToken("tok123"); err == nil {
		t.Error("expected error after deletion")
	}

	store.CreateRefreshToken("tok-a1", acc.ID, exp)
	store.CreateRefreshToken("tok-a2", acc.ID, exp)
	if err := store.DeleteRefreshTokensByAccount(acc.ID); err != nil {
		t.Fatalf("DeleteRefreshTokensByAccount: %v", err)
	}
	if _, err = store.GetRefreshToken("tok-a1"); err == nil {
		t.Error("expected tok-a1 deleted")
	}
}

func TestEntriesSkipOutput(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.Add(ctx, finishedInvocation("b", "backup", started.Add(time.Hour), "caf\xc3", "\xa9\n"))
	store.Add(ctx, finishedInvocation("a", "backup", started, "12345"))

	entries, err := store.Entries(ctx, "backup")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].ID != "a" || entries[1].ID != "b" {
		t.Fatalf("entries: %+v", entries)
	}
	if entries[0].OutputBytes != 5 || entries[1].OutputBytes != 6 {
		t.Errorf("output bytes: %d %d", entries[0].OutputBytes, entries[1].OutputBytes)
	}
	if entries[1].Status != history.StatusSuccess || entries[1].Elapsed() != time.Second {
		t.Errorf("entry: %+v", entries[1])
	}

	got, err := store.Get(ctx, "backup", "b")
	if err != nil {
		t.Fatal(err)
	}
	if got.Output.String() != "café\n" {
		t.Errorf("split rune output: %q", got.Output.String())
	}
}
