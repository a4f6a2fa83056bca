package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/Krestall88/cleaning-control/internal/domain"
	"github.com/Krestall88/cleaning-control/internal/repo"
)

// SystemActor marks mutations performed by the scheduler rather than a user.
const SystemActor = "system:scheduler"

// MaintenanceReport summarizes one scheduler pass.
type MaintenanceReport struct {
	Prewarmed int
	Swept     int
	Skipped   []string
}

// PrewarmWindow materializes every due occurrence from today through the
// configured horizon so notification collaborators see upcoming work before
// its due date. Re-running is a no-op for rows that already exist.
func (e Engine) PrewarmWindow(ctx context.Context) (int, []string, error) {
	from := e.today()
	to, err := addDays(from, e.Config.Defaults.HorizonDays)
	if err != nil {
		return 0, nil, err
	}
	defs, err := e.Repo.ListDefinitions(ctx, repo.DefinitionFilters{})
	if err != nil {
		return 0, nil, err
	}
	created := 0
	var skipped []string
	for _, def := range defs {
		dates, err := dueDatesFor(def, from, to)
		if err != nil {
			skipped = append(skipped, err.Error())
			continue
		}
		for _, date := range dates {
			key := domain.OccurrenceKey{DefinitionID: def.ID, DueDate: date}
			if _, err := e.Repo.GetOccurrence(ctx, key); err == nil {
				continue
			}
			if _, err := e.Apply(ctx, key, Materialize{Actor: SystemActor}); err != nil {
				skipped = append(skipped, fmt.Sprintf("prewarm %s: %v", key, err))
				continue
			}
			created++
		}
	}
	return created, skipped, nil
}

// SweepOverdue fails every still-open occurrence whose due date passed the
// grace period. One bad row is skipped, not the batch. Failing goes through
// Apply so the transition guard and event log see it like any user action.
func (e Engine) SweepOverdue(ctx context.Context) (int, []string, error) {
	cutoff, err := addDays(e.today(), -e.Config.Defaults.GraceDays)
	if err != nil {
		return 0, nil, err
	}
	open, err := e.Repo.ListOpenOccurrencesDueBefore(ctx, cutoff)
	if err != nil {
		return 0, nil, err
	}
	swept := 0
	var skipped []string
	reason := fmt.Sprintf("auto-failed: no completion within %d day grace period", e.Config.Defaults.GraceDays)
	for _, o := range open {
		if _, err := e.Apply(ctx, o.Key, Fail{Actor: SystemActor, Reason: reason}); err != nil {
			skipped = append(skipped, fmt.Sprintf("sweep %s: %v", o.Key, err))
			continue
		}
		swept++
	}
	return swept, skipped, nil
}

// RunMaintenance performs one full scheduler pass, prewarm then sweep.
func (e Engine) RunMaintenance(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	created, skipped, err := e.PrewarmWindow(ctx)
	if err != nil {
		return report, fmt.Errorf("prewarm: %w", err)
	}
	report.Prewarmed = created
	report.Skipped = append(report.Skipped, skipped...)

	swept, skipped, err := e.SweepOverdue(ctx)
	if err != nil {
		return report, fmt.Errorf("sweep: %w", err)
	}
	report.Swept = swept
	report.Skipped = append(report.Skipped, skipped...)
	return report, nil
}

func addDays(date string, days int) (string, error) {
	t, err := time.Parse(domain.DateLayout, date)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, days).Format(domain.DateLayout), nil
}
