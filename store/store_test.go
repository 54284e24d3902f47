package store

import (
	"bytes"
	"testing"
)

// newMemStore opens an in-memory SQLite database, runs migrations, and
// returns the store. The database is discarded when the test process exits.
func newMemStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsApplied verifies that after opening a fresh database every
// migration has been recorded in schema_migrations.
func TestMigrationsApplied(t *testing.T) {
	s := newMemStore(t)

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d migrations recorded, got %d", len(migrations), count)
	}
}

// TestMigrationsIdempotent verifies a second migrate pass applies nothing.
func TestMigrationsIdempotent(t *testing.T) {
	s := newMemStore(t)

	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d rows after second migrate, got %d", len(migrations), count)
	}
}

// TestSessionRoundTrip verifies save/load/delete of one session blob with
// its token.
func TestSessionRoundTrip(t *testing.T) {
	s := newMemStore(t)

	if _, _, ok, err := s.LoadSession("game-1"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}

	blob := []byte{1, 2, 3, 4}
	if err := s.SaveSession("game-1", blob, 7); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	got, token, ok, err := s.LoadSession("game-1")
	if err != nil || !ok {
		t.Fatalf("LoadSession: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, blob) || token != 7 {
		t.Errorf("got %v token %d", got, token)
	}

	// Upsert replaces.
	if err := s.SaveSession("game-1", []byte{9}, 8); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, token, _, _ = s.LoadSession("game-1")
	if len(got) != 1 || token != 8 {
		t.Errorf("after upsert: %v token %d", got, token)
	}

	if err := s.DeleteSession("game-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, _, ok, _ := s.LoadSession("game-1"); ok {
		t.Error("session survived delete")
	}
}

// TestPartialsRoundTrip verifies the reassembly snapshot table.
func TestPartialsRoundTrip(t *testing.T) {
	s := newMemStore(t)

	if _, ok, err := s.LoadPartials("game-1"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if err := s.SavePartials("game-1", []byte{0xAA}); err != nil {
		t.Fatalf("SavePartials: %v", err)
	}
	got, ok, err := s.LoadPartials("game-1")
	if err != nil || !ok || !bytes.Equal(got, []byte{0xAA}) {
		t.Errorf("LoadPartials: %v %v %v", got, ok, err)
	}
}

// TestNoConnOrderAndDrain verifies store-and-forward messages come back in
// arrival order exactly once.
func TestNoConnOrderAndDrain(t *testing.T) {
	s := newMemStore(t)

	for _, b := range []byte{1, 2, 3} {
		if err := s.PushNoConn("BONES-17/2", []byte{b}); err != nil {
			t.Fatalf("PushNoConn: %v", err)
		}
	}
	if err := s.PushNoConn("OTHER/1", []byte{99}); err != nil {
		t.Fatalf("PushNoConn: %v", err)
	}

	msgs, err := s.DrainNoConn("BONES-17/2")
	if err != nil {
		t.Fatalf("DrainNoConn: %v", err)
	}
	if len(msgs) != 3 || msgs[0][0] != 1 || msgs[1][0] != 2 || msgs[2][0] != 3 {
		t.Fatalf("msgs = %v", msgs)
	}

	// Drained means gone; the other addressee is untouched.
	if again, _ := s.DrainNoConn("BONES-17/2"); len(again) != 0 {
		t.Errorf("second drain = %v", again)
	}
	if other, _ := s.DrainNoConn("OTHER/1"); len(other) != 1 {
		t.Errorf("other = %v", other)
	}
}
