package repo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"clavix/internal/db"
	"clavix/internal/events"
	"clavix/internal/migrate"
)

func newJournal(t *testing.T) (Repo, events.Writer) {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "journal", "journal.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return Repo{DB: conn}, events.Writer{Now: func() time.Time { return fixed }}
}

func TestMigrateIsIdempotent(t *testing.T) {
	r, _ := newJournal(t)
	v, err := migrate.Migrate(context.Background(), r.DB)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected schema version 1, got %d", v)
	}
}

func TestEventQueries(t *testing.T) {
	r, w := newJournal(t)
	ctx := context.Background()
	err := w.AppendAll(ctx, r.DB,
		events.Record{Type: events.TaskCompleted, ProjectID: "shop", EntityKind: events.KindTask, EntityID: "phase-1-setup-1", ActorID: "alice", Payload: events.EventPayload{"from": "pending"}},
		events.Record{Type: events.TaskBlocked, ProjectID: "shop", EntityKind: events.KindTask, EntityID: "phase-1-setup-2", ActorID: "alice"},
		events.Record{Type: events.ProjectArchived, ProjectID: "blog", EntityKind: events.KindProject, EntityID: "blog", ActorID: "bob"},
	)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	latest, err := r.LatestEvents(ctx, EventFilter{ProjectID: "shop"})
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 2 || latest[0].Type != events.TaskBlocked {
		t.Fatalf("unexpected latest events: %+v", latest)
	}
	if latest[1].Payload != `{"from":"pending"}` || latest[1].TS != "2026-03-01T09:00:00Z" {
		t.Fatalf("unexpected event row: %+v", latest[1])
	}

	byType, err := r.LatestEvents(ctx, EventFilter{Type: events.ProjectArchived})
	if err != nil || len(byType) != 1 || byType[0].ProjectID != "blog" {
		t.Fatalf("filter by type: %v %+v", err, byType)
	}

	after, err := r.EventsAfter(ctx, 10, latest[1].ID, "")
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(after) != 2 || after[0].ID >= after[1].ID {
		t.Fatalf("expected ascending events after cursor, got %+v", after)
	}

	maxShop, err := r.LatestEventID(ctx, "shop")
	if err != nil || maxShop != latest[0].ID {
		t.Fatalf("latest id for shop: %v %d", err, maxShop)
	}
	maxAll, err := r.LatestEventID(ctx, "")
	if err != nil || maxAll <= maxShop {
		t.Fatalf("latest id overall: %v %d", err, maxAll)
	}

	if _, err := r.GetEvent(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
