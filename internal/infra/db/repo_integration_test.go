//go:build integration
// +build integration

package db

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"witness/internal/domain"
	"witness/internal/infra/cesr"
	"witness/internal/infra/kel"
	"witness/internal/testutil"
	"witness/migrations"
)

func TestKELRepository_AppendAndRead(t *testing.T) {
	db := setupTestDB(t)
	resetDB(t, db)
	repo := NewKELRepository(db)
	ctx := context.Background()

	now := time.Date(2026, 1, 22, 16, 0, 0, 0, time.UTC)
	first := domain.EventRecord{
		Prefix: "Eprefix", SN: 0, Ilk: domain.IlkInception, Digest: "Ed0",
		Keys: []string{"Dkey"}, Threshold: 1, BodySize: 3, Raw: []byte("abc-AAB"), AcceptedAt: now,
	}
	if err := repo.AppendEvent(ctx, first); err != nil {
		t.Fatalf("append icp: %v", err)
	}
	second := domain.EventRecord{
		Prefix: "Eprefix", SN: 1, Ilk: domain.IlkInteraction, Digest: "Ed1", Prior: "Ed0",
		Keys: []string{"Dkey"}, Threshold: 1, BodySize: 3, Raw: []byte("def"), AcceptedAt: now,
	}
	if err := repo.AppendEvent(ctx, second); err != nil {
		t.Fatalf("append ixn: %v", err)
	}
	if err := repo.AppendEvent(ctx, second); !errors.Is(err, domain.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
	gap := second
	gap.SN = 5
	if err := repo.AppendEvent(ctx, gap); !errors.Is(err, domain.ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}

	tip, err := repo.Tip(ctx, "Eprefix")
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	if tip.SN != 1 || tip.Digest != "Ed1" || len(tip.Keys) != 1 {
		t.Fatalf("unexpected tip %+v", tip)
	}
	got, err := repo.EventAt(ctx, "Eprefix", 0)
	if err != nil {
		t.Fatalf("event at: %v", err)
	}
	if string(got.Body()) != "abc" {
		t.Fatalf("unexpected body %q", got.Body())
	}
	if _, err := repo.EventAt(ctx, "Eprefix", 7); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	events, err := repo.Events(ctx, "Eprefix")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 || events[0].SN != 0 || events[1].SN != 1 {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestKELRepository_ReceiptsDeduplicate(t *testing.T) {
	db := setupTestDB(t)
	resetDB(t, db)
	repo := NewKELRepository(db)
	ctx := context.Background()

	rec := domain.ReceiptRecord{
		Prefix: "Eprefix", SN: 0, Digest: "Ed0", Witness: "Bwitness",
		Signature: []byte{1, 2}, Raw: []byte("rct"), CreatedAt: time.Now().UTC(),
	}
	added, err := repo.AppendReceipt(ctx, rec)
	if err != nil || !added {
		t.Fatalf("append receipt: added=%v err=%v", added, err)
	}
	added, err = repo.AppendReceipt(ctx, rec)
	if err != nil || added {
		t.Fatalf("expected duplicate receipt to be ignored: added=%v err=%v", added, err)
	}
	list, err := repo.Receipts(ctx, "Eprefix")
	if err != nil {
		t.Fatalf("receipts: %v", err)
	}
	if len(list) != 1 || string(list[0].Raw) != "rct" {
		t.Fatalf("unexpected receipts %+v", list)
	}
}

func TestKELRepository_LocationUpsert(t *testing.T) {
	db := setupTestDB(t)
	resetDB(t, db)
	repo := NewKELRepository(db)
	ctx := context.Background()

	loc := domain.LocationRecord{EID: "Beid", Scheme: "http", URL: "http://a", Digest: "Ea", Timestamp: "t1", Raw: []byte("a"), UpdatedAt: time.Now().UTC()}
	if err := repo.PutLocation(ctx, loc); err != nil {
		t.Fatalf("put location: %v", err)
	}
	loc.URL, loc.Digest, loc.Raw = "http://b", "Eb", []byte("b")
	if err := repo.PutLocation(ctx, loc); err != nil {
		t.Fatalf("update location: %v", err)
	}
	list, err := repo.Locations(ctx, "Beid")
	if err != nil {
		t.Fatalf("locations: %v", err)
	}
	if len(list) != 1 || list[0].URL != "http://b" {
		t.Fatalf("unexpected locations %+v", list)
	}
}

func TestKELRepository_ProcessorRace(t *testing.T) {
	db := setupTestDB(t)
	resetDB(t, db)
	ctx := context.Background()

	// Two processors share the table but not the in-process lock.
	p1 := kel.NewProcessor(NewKELRepository(db))
	p2 := kel.NewProcessor(NewKELRepository(db))
	ctrl := testutil.NewController(t, 1, 1, 1)
	icp := ctrl.Incept()
	if _, err := p1.ProcessEvent(ctx, decodeEvent(t, icp.Raw)); err != nil {
		t.Fatalf("process icp: %v", err)
	}
	ixn := ctrl.Interact()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, p := range []*kel.Processor{p1, p2} {
		wg.Add(1)
		go func(i int, p *kel.Processor, ev *domain.SignedEvent) {
			defer wg.Done()
			_, results[i] = p.ProcessEvent(ctx, ev)
		}(i, p, decodeEvent(t, ixn.Raw))
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, domain.ErrDuplicateEvent) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func decodeEvent(t *testing.T, raw []byte) *domain.SignedEvent {
	t.Helper()
	msgs, _, err := cesr.Decode(raw)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("decode: %v", err)
	}
	ev, ok := msgs[0].(*domain.SignedEvent)
	if !ok {
		t.Fatalf("expected event, got %T", msgs[0])
	}
	return ev
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("POSTGRES_DSN_TEST"))
	if dsn == "" {
		t.Skip("POSTGRES_DSN_TEST not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	lockTestDB(t, db)
	if err := Migrate(context.Background(), db, migrations.FS); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func lockTestDB(t *testing.T, db *gorm.DB) {
	t.Helper()
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	conn, err := sqlDB.Conn(context.Background())
	if err != nil {
		t.Fatalf("open db conn: %v", err)
	}
	if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_lock(987654321)"); err != nil {
		_ = conn.Close()
		t.Fatalf("acquire db lock: %v", err)
	}
	t.Cleanup(func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock(987654321)")
		_ = conn.Close()
	})
}

func resetDB(t *testing.T, db *gorm.DB) {
	t.Helper()
	if err := db.Exec(`TRUNCATE key_events, receipts, location_replies RESTART IDENTITY CASCADE`).Error; err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}
