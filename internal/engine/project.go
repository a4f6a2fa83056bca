package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/Krestall88/cleaning-control/internal/domain"
	"github.com/Krestall88/cleaning-control/internal/repo"
)

// ProjectOptions select the projection window and optional filters.
type ProjectOptions struct {
	From string
	To   string
	// LocationID restricts to definitions bound to one location.
	LocationID string
	// Actor restricts to occurrences an actor is responsible for: the live
	// responsible actor for virtual entries, the frozen assignee or claimant
	// for materialized rows.
	Actor string
	// Statuses, when non-empty, keeps only entries in the given statuses.
	Statuses []domain.Status
}

// ProjectionResult is the merged calendar plus non-fatal integrity warnings.
// A warning means an item was excluded, never that the projection failed.
type ProjectionResult struct {
	Items    []domain.ProjectedOccurrence
	Warnings []string
}

// Project computes the calendar for a window: recurrence-derived due dates
// merged with materialized rows, virtual entries surfaced as PENDING. Rows
// whose due date no longer sits on the definition's grid (frequency changed
// after materialization) are still included.
func (e Engine) Project(ctx context.Context, opts ProjectOptions) (ProjectionResult, error) {
	var res ProjectionResult
	from, err := domain.ParseDueDate(opts.From)
	if err != nil {
		return res, fmt.Errorf("from: %w", err)
	}
	to, err := domain.ParseDueDate(opts.To)
	if err != nil {
		return res, fmt.Errorf("to: %w", err)
	}
	if to < from {
		return res, fmt.Errorf("window end %s precedes start %s", to, from)
	}

	defs, err := e.Repo.ListDefinitions(ctx, repo.DefinitionFilters{LocationID: opts.LocationID})
	if err != nil {
		return res, err
	}

	locIDs := make([]string, 0, len(defs))
	for _, d := range defs {
		locIDs = append(locIDs, d.LocationID)
	}
	locations, err := e.Repo.LocationsByID(ctx, locIDs)
	if err != nil {
		return res, err
	}

	for _, def := range defs {
		loc, ok := locations[def.LocationID]
		if !ok {
			res.Warnings = append(res.Warnings, fmt.Sprintf("definition %s references missing location %s; excluded", def.ID, def.LocationID))
			continue
		}
		dates, err := dueDatesFor(def, from, to)
		if err != nil {
			// Bad timezone or dates on one definition must not blank the
			// whole calendar.
			res.Warnings = append(res.Warnings, err.Error()+"; excluded")
			continue
		}
		rows, err := e.Repo.OccurrencesForDefinition(ctx, def.ID, from, to)
		if err != nil {
			return res, err
		}

		seen := make(map[domain.OccurrenceKey]bool, len(dates))
		for _, date := range dates {
			key := domain.OccurrenceKey{DefinitionID: def.ID, DueDate: date}
			seen[key] = true
			if row, ok := rows[key]; ok {
				res.Items = append(res.Items, materializedItem(def, loc, row))
			} else {
				res.Items = append(res.Items, virtualItem(def, loc, key))
			}
		}
		for key, row := range rows {
			if !seen[key] {
				res.Items = append(res.Items, materializedItem(def, loc, row))
			}
		}
	}

	res.Items = filterItems(res.Items, opts)
	sort.Slice(res.Items, func(i, j int) bool {
		a, b := res.Items[i], res.Items[j]
		if a.DueDate != b.DueDate {
			return a.DueDate < b.DueDate
		}
		if a.Location.SortKey != b.Location.SortKey {
			return a.Location.SortKey < b.Location.SortKey
		}
		return a.Key.DefinitionID < b.Key.DefinitionID
	})
	return res, nil
}

func materializedItem(def domain.RecurringDefinition, loc domain.Location, row domain.Occurrence) domain.ProjectedOccurrence {
	o := row
	responsible := row.AssignedTo
	if row.ClaimedBy != nil {
		responsible = row.ClaimedBy
	}
	return domain.ProjectedOccurrence{
		Key:              row.Key,
		DueDate:          row.Key.DueDate,
		Status:           row.Status,
		Materialized:     true,
		ResponsibleActor: responsible,
		Location:         loc,
		Description:      def.Description,
		Occurrence:       &o,
	}
}

func virtualItem(def domain.RecurringDefinition, loc domain.Location, key domain.OccurrenceKey) domain.ProjectedOccurrence {
	return domain.ProjectedOccurrence{
		Key:              key,
		DueDate:          key.DueDate,
		Status:           domain.StatusPending,
		Materialized:     false,
		ResponsibleActor: def.ResponsibleActor,
		Location:         loc,
		Description:      def.Description,
	}
}

func filterItems(items []domain.ProjectedOccurrence, opts ProjectOptions) []domain.ProjectedOccurrence {
	if opts.Actor == "" && len(opts.Statuses) == 0 {
		return items
	}
	out := items[:0]
	for _, it := range items {
		if opts.Actor != "" {
			if it.ResponsibleActor == nil || *it.ResponsibleActor != opts.Actor {
				continue
			}
		}
		if len(opts.Statuses) > 0 {
			keep := false
			for _, s := range opts.Statuses {
				if it.Status == s {
					keep = true
					break
				}
			}
			if !keep {
				continue
			}
		}
		out = append(out, it)
	}
	return out
}
