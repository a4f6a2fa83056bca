package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Krestall88/cleaning-control/internal/domain"
	"github.com/Krestall88/cleaning-control/internal/events"
	"github.com/Krestall88/cleaning-control/internal/recurrence"
	"github.com/Krestall88/cleaning-control/internal/repo"
)

// Mutation is one action applied to an occurrence key through Apply. Applying
// any mutation to a key with no row first materializes the row in NEW.
type Mutation interface {
	kind() string
}

// Materialize creates the row and nothing else. The scheduler's pre-warm uses
// it; on an existing row it is a no-op.
type Materialize struct {
	Actor string
}

// Claim assigns the occurrence to the acting actor. On a freshly materialized
// row the claim is the materializing touch and the row stays NEW; claiming an
// existing NEW row moves it to IN_PROGRESS.
type Claim struct {
	Actor string
}

// Comment sets the occurrence comment. Field-level last writer wins.
type Comment struct {
	Actor string
	Text  string
}

// AttachEvidence appends photo references.
type AttachEvidence struct {
	Actor     string
	PhotoRefs []string
}

// Complete moves the occurrence to COMPLETED, gated by the definition's
// evidence requirements at the moment of completion.
type Complete struct {
	Actor     string
	Comment   string
	PhotoRefs []string
}

// Fail moves the occurrence to FAILED with a mandatory reason.
type Fail struct {
	Actor  string
	Reason string
}

// Override is the administrative escape hatch: it bypasses the transition
// guard, including out of terminal states, and records the reason.
type Override struct {
	Actor  string
	Status domain.Status
	Reason string
}

func (Materialize) kind() string    { return "materialize" }
func (Claim) kind() string          { return "claim" }
func (Comment) kind() string        { return "comment" }
func (AttachEvidence) kind() string { return "evidence" }
func (Complete) kind() string       { return "complete" }
func (Fail) kind() string           { return "fail" }
func (Override) kind() string       { return "override" }

const applyAttempts = 3

// Apply is the single write path for occurrences. It materializes the row on
// first touch (atomic create-if-absent), applies the mutation under the
// lifecycle guard, and emits a lifecycle event, all in one transaction.
// Store contention is retried up to a bounded budget, then surfaced as
// ErrUnavailable.
func (e Engine) Apply(ctx context.Context, key domain.OccurrenceKey, m Mutation) (domain.Occurrence, error) {
	if key.DefinitionID == "" {
		return domain.Occurrence{}, errors.New("definition id is required")
	}
	var err error
	if key.DueDate, err = domain.ParseDueDate(key.DueDate); err != nil {
		return domain.Occurrence{}, err
	}
	var lastErr error
	for attempt := 0; attempt < applyAttempts; attempt++ {
		o, err := e.applyOnce(ctx, key, m)
		if err == nil || !isBusy(err) {
			return o, err
		}
		lastErr = err
	}
	return domain.Occurrence{}, fmt.Errorf("%w: %s", ErrUnavailable, lastErr)
}

func (e Engine) applyOnce(ctx context.Context, key domain.OccurrenceKey, m Mutation) (domain.Occurrence, error) {
	def, err := e.Repo.GetDefinition(ctx, key.DefinitionID)
	if err != nil {
		return domain.Occurrence{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Occurrence{}, err
	}
	defer tx.Rollback()

	nowStr := e.now().UTC().Format(time.RFC3339)
	created := false
	o, err := e.Repo.GetOccurrenceTx(ctx, tx, key)
	if errors.Is(err, repo.ErrNotFound) {
		if def.Retired(key.DueDate) {
			return domain.Occurrence{}, fmt.Errorf("definition %s retired before %s: %w", key.DefinitionID, key.DueDate, repo.ErrNotFound)
		}
		match, err := recurrence.Matches(def, key.DueDate)
		if err != nil {
			return domain.Occurrence{}, err
		}
		if !match {
			return domain.Occurrence{}, fmt.Errorf("%s is not a due date of definition %s: %w", key.DueDate, key.DefinitionID, repo.ErrNotFound)
		}
		o = domain.Occurrence{
			Key:        key,
			Status:     domain.StatusNew,
			AssignedTo: def.ResponsibleActor,
			CreatedAt:  nowStr,
			UpdatedAt:  nowStr,
		}
		created, err = e.Repo.InsertOccurrenceIfAbsent(ctx, tx, o)
		if err != nil {
			return domain.Occurrence{}, err
		}
		if !created {
			// Lost the create race; the winner's row is the one we mutate.
			if o, err = e.Repo.GetOccurrenceTx(ctx, tx, key); err != nil {
				return domain.Occurrence{}, err
			}
		}
	} else if err != nil {
		return domain.Occurrence{}, err
	}

	oldStatus := o.Status
	dirty, err := e.mutate(&o, def, m, created)
	if err != nil {
		return o, err
	}
	if !created && !dirty {
		// Idempotent replay; nothing to persist, nothing to announce.
		return o, nil
	}

	o.UpdatedAt = nowStr
	if created {
		oldStatus = domain.StatusNew
		if err := e.Events.Append(ctx, tx, "occurrence.materialized", key, mutationActor(m), domain.StatusPending, domain.StatusNew, nil); err != nil {
			return o, err
		}
	}
	if dirty {
		if err := e.Repo.UpdateOccurrence(ctx, tx, o); err != nil {
			return o, err
		}
		if m.kind() != "materialize" {
			if err := e.Events.Append(ctx, tx, "occurrence."+m.kind(), key, mutationActor(m), oldStatus, o.Status, mutationPayload(m)); err != nil {
				return o, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	return o, nil
}

// mutate applies m to the loaded row. It returns whether the row changed.
// created marks a row materialized by this very call; the materializing touch
// does not additionally advance NEW to IN_PROGRESS.
func (e Engine) mutate(o *domain.Occurrence, def domain.RecurringDefinition, m Mutation, created bool) (bool, error) {
	switch m := m.(type) {
	case Materialize:
		return false, nil

	case Claim:
		if o.Status.Terminal() {
			return false, TransitionError{From: o.Status, To: domain.StatusInProgress}
		}
		if o.ClaimedBy != nil && *o.ClaimedBy != m.Actor {
			return false, ValidationError{Requirement: "occurrence already claimed by " + *o.ClaimedBy}
		}
		if o.ClaimedBy != nil && *o.ClaimedBy == m.Actor && !created && o.Status == domain.StatusInProgress {
			return false, nil
		}
		o.ClaimedBy = &m.Actor
		if !created && o.Status == domain.StatusNew {
			if err := ensureTransition(o.Status, domain.StatusInProgress, false); err != nil {
				return false, err
			}
			o.Status = domain.StatusInProgress
		}
		return true, nil

	case Comment:
		if strings.TrimSpace(m.Text) == "" {
			return false, ValidationError{Requirement: "comment text must be non-empty"}
		}
		if o.Status.Terminal() {
			return false, TransitionError{From: o.Status, To: o.Status}
		}
		o.Comment = m.Text
		e.advanceOnTouch(o, created)
		return true, nil

	case AttachEvidence:
		if len(m.PhotoRefs) == 0 {
			return false, ValidationError{Requirement: "at least one photo reference is required"}
		}
		if o.Status.Terminal() {
			return false, TransitionError{From: o.Status, To: o.Status}
		}
		o.PhotoRefs = mergeRefs(o.PhotoRefs, m.PhotoRefs)
		e.advanceOnTouch(o, created)
		return true, nil

	case Complete:
		if o.Status.Terminal() {
			if o.Status == domain.StatusCompleted && sameEvidence(*o, m.Comment, m.PhotoRefs) {
				return false, nil
			}
			return false, TransitionError{From: o.Status, To: domain.StatusCompleted}
		}
		if m.Comment != "" {
			o.Comment = m.Comment
		}
		o.PhotoRefs = mergeRefs(o.PhotoRefs, m.PhotoRefs)
		if def.Evidence.RequirePhoto && len(o.PhotoRefs) == 0 {
			return false, ValidationError{Requirement: "completion requires at least one photo"}
		}
		if def.Evidence.RequireComment && strings.TrimSpace(o.Comment) == "" {
			return false, ValidationError{Requirement: "completion requires a non-empty comment"}
		}
		if err := ensureTransition(o.Status, domain.StatusCompleted, false); err != nil {
			return false, err
		}
		o.Status = domain.StatusCompleted
		if o.ClaimedBy == nil {
			o.ClaimedBy = &m.Actor
		}
		completedAt := e.now().UTC().Format(time.RFC3339)
		o.CompletedAt = &completedAt
		return true, nil

	case Fail:
		if strings.TrimSpace(m.Reason) == "" {
			return false, ValidationError{Requirement: "failure reason must be non-empty"}
		}
		if o.Status.Terminal() {
			if o.Status == domain.StatusFailed && o.FailureReason != nil && *o.FailureReason == m.Reason {
				return false, nil
			}
			return false, TransitionError{From: o.Status, To: domain.StatusFailed}
		}
		if err := ensureTransition(o.Status, domain.StatusFailed, false); err != nil {
			return false, err
		}
		o.Status = domain.StatusFailed
		o.FailureReason = &m.Reason
		return true, nil

	case Override:
		if strings.TrimSpace(m.Reason) == "" {
			return false, ValidationError{Requirement: "override reason must be non-empty"}
		}
		switch m.Status {
		case domain.StatusNew, domain.StatusInProgress, domain.StatusCompleted, domain.StatusFailed:
		default:
			return false, ValidationError{Requirement: fmt.Sprintf("cannot override to status %q", m.Status)}
		}
		o.Status = m.Status
		if m.Status != domain.StatusFailed {
			o.FailureReason = nil
		}
		if m.Status != domain.StatusCompleted {
			o.CompletedAt = nil
		}
		return true, nil

	default:
		return false, fmt.Errorf("unknown mutation %T", m)
	}
}

// advanceOnTouch moves a NEW row to IN_PROGRESS when a comment or photo is
// attached without completing. The materializing touch itself stays NEW.
func (e Engine) advanceOnTouch(o *domain.Occurrence, created bool) {
	if !created && o.Status == domain.StatusNew {
		o.Status = domain.StatusInProgress
	}
}

// ensureTransition enforces the lifecycle. NEW and IN_PROGRESS are open,
// COMPLETED and FAILED terminal. force is the administrative override path.
func ensureTransition(oldStatus, newStatus domain.Status, force bool) error {
	if force || oldStatus == newStatus {
		return nil
	}
	switch oldStatus {
	case domain.StatusNew:
		if newStatus == domain.StatusInProgress || newStatus == domain.StatusCompleted || newStatus == domain.StatusFailed {
			return nil
		}
	case domain.StatusInProgress:
		if newStatus == domain.StatusCompleted || newStatus == domain.StatusFailed {
			return nil
		}
	}
	return TransitionError{From: oldStatus, To: newStatus}
}

// sameEvidence reports whether a Complete replay carries exactly the evidence
// recorded on the row: the same comment and the same photo set. A Complete
// with less (or different) evidence is not a replay and must be rejected.
func sameEvidence(o domain.Occurrence, comment string, photos []string) bool {
	if comment != o.Comment {
		return false
	}
	if len(photos) != len(o.PhotoRefs) {
		return false
	}
	have := map[string]bool{}
	for _, r := range o.PhotoRefs {
		have[r] = true
	}
	for _, r := range photos {
		if !have[r] {
			return false
		}
	}
	return true
}

func mergeRefs(existing, incoming []string) []string {
	seen := map[string]bool{}
	for _, r := range existing {
		seen[r] = true
	}
	for _, r := range incoming {
		if r == "" || seen[r] {
			continue
		}
		existing = append(existing, r)
		seen[r] = true
	}
	return existing
}

func mutationActor(m Mutation) string {
	switch m := m.(type) {
	case Materialize:
		return m.Actor
	case Claim:
		return m.Actor
	case Comment:
		return m.Actor
	case AttachEvidence:
		return m.Actor
	case Complete:
		return m.Actor
	case Fail:
		return m.Actor
	case Override:
		return m.Actor
	}
	return ""
}

func mutationPayload(m Mutation) events.EventPayload {
	switch m := m.(type) {
	case Comment:
		return events.EventPayload{"comment": m.Text}
	case AttachEvidence:
		return events.EventPayload{"photo_refs": m.PhotoRefs}
	case Fail:
		return events.EventPayload{"reason": m.Reason}
	case Override:
		return events.EventPayload{"reason": m.Reason, "status": string(m.Status)}
	}
	return nil
}

// isBusy matches SQLite lock contention, the only transient failure the
// bounded retry in Apply is meant to absorb.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
