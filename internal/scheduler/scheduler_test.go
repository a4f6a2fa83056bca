package scheduler_test

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/Krestall88/cleaning-control/internal/config"
	"github.com/Krestall88/cleaning-control/internal/db"
	"github.com/Krestall88/cleaning-control/internal/domain"
	"github.com/Krestall88/cleaning-control/internal/engine"
	"github.com/Krestall88/cleaning-control/internal/migrate"
	"github.com/Krestall88/cleaning-control/internal/scheduler"
)

func TestRunPrewarmsAndStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Defaults.Timezone = "UTC"
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	if _, err := eng.CreateLocation(ctx, engine.LocationCreateOptions{ID: "loc-1", Name: "Lobby", ActorID: "tester"}); err != nil {
		t.Fatalf("seed location: %v", err)
	}
	if _, err := eng.CreateDefinition(ctx, engine.DefinitionCreateOptions{
		ID: "d1", LocationID: "loc-1", Frequency: "DAILY", Timezone: "UTC", ActiveFrom: "2024-01-01", ActorID: "tester",
	}); err != nil {
		t.Fatalf("seed definition: %v", err)
	}

	s := scheduler.New(eng, time.Hour)
	s.Logger = log.New(io.Discard, "", 0)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		s.Run(runCtx)
		close(done)
	}()

	// The first pass runs immediately; poll for its effect.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := eng.Repo.GetOccurrence(ctx, domain.OccurrenceKey{DefinitionID: "d1", DueDate: "2024-01-10"}); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("scheduler pass did not prewarm today's occurrence")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("scheduler did not stop on cancel")
	}
}
