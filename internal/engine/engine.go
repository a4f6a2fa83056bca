package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Krestall88/cleaning-control/internal/config"
	"github.com/Krestall88/cleaning-control/internal/domain"
	"github.com/Krestall88/cleaning-control/internal/events"
	"github.com/Krestall88/cleaning-control/internal/recurrence"
	"github.com/Krestall88/cleaning-control/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// today returns the current calendar date in the configured default zone.
func (e Engine) today() string {
	loc := time.UTC
	if e.Config != nil {
		if l, err := time.LoadLocation(e.Config.Defaults.Timezone); err == nil {
			loc = l
		}
	}
	return e.now().In(loc).Format(domain.DateLayout)
}

// LocationCreateOptions are parameters for registering a location.
type LocationCreateOptions struct {
	ID      string
	Name    string
	Path    string
	SortKey string
	ActorID string
}

func (e Engine) CreateLocation(ctx context.Context, opts LocationCreateOptions) (domain.Location, error) {
	if opts.Name == "" {
		return domain.Location{}, errors.New("name is required")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Path == "" {
		opts.Path = opts.Name
	}
	if opts.SortKey == "" {
		opts.SortKey = opts.Path
	}
	l := domain.Location{
		ID:        opts.ID,
		Name:      opts.Name,
		Path:      opts.Path,
		SortKey:   opts.SortKey,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Location{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO locations(id,name,path,sort_key,created_at) VALUES (?,?,?,?,?)`,
		l.ID, l.Name, l.Path, l.SortKey, l.CreatedAt); err != nil {
		return domain.Location{}, fmt.Errorf("insert location: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "location.create", domain.OccurrenceKey{}, opts.ActorID, "", "", events.EventPayload{"location_id": l.ID, "path": l.Path}); err != nil {
		return domain.Location{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Location{}, err
	}
	return l, nil
}

// DefinitionCreateOptions are parameters for creating a recurring definition.
type DefinitionCreateOptions struct {
	ID               string
	LocationID       string
	ResponsibleActor string
	Frequency        string
	Timezone         string
	ActiveFrom       string
	ActiveUntil      string
	RequirePhoto     bool
	RequireComment   bool
	Description      string
	ActorID          string
}

func (e Engine) CreateDefinition(ctx context.Context, opts DefinitionCreateOptions) (domain.RecurringDefinition, error) {
	if e.Config == nil {
		return domain.RecurringDefinition{}, errors.New("config not loaded")
	}
	if opts.LocationID == "" {
		return domain.RecurringDefinition{}, errors.New("location is required")
	}
	freq, err := domain.ParseFrequency(opts.Frequency)
	if err != nil {
		return domain.RecurringDefinition{}, err
	}
	if opts.Timezone == "" {
		opts.Timezone = e.Config.Defaults.Timezone
	}
	if _, err := time.LoadLocation(opts.Timezone); err != nil {
		return domain.RecurringDefinition{}, fmt.Errorf("timezone: %w", err)
	}
	if opts.ActiveFrom == "" {
		opts.ActiveFrom = e.today()
	}
	if opts.ActiveFrom, err = domain.ParseDueDate(opts.ActiveFrom); err != nil {
		return domain.RecurringDefinition{}, fmt.Errorf("active-from: %w", err)
	}
	if opts.ActiveUntil != "" {
		if opts.ActiveUntil, err = domain.ParseDueDate(opts.ActiveUntil); err != nil {
			return domain.RecurringDefinition{}, fmt.Errorf("active-until: %w", err)
		}
		if opts.ActiveUntil < opts.ActiveFrom {
			return domain.RecurringDefinition{}, errors.New("active-until precedes active-from")
		}
	}
	if _, err := e.Repo.GetLocation(ctx, opts.LocationID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.RecurringDefinition{}, fmt.Errorf("location %s: %w", opts.LocationID, err)
		}
		return domain.RecurringDefinition{}, err
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	d := domain.RecurringDefinition{
		ID:               opts.ID,
		LocationID:       opts.LocationID,
		ResponsibleActor: optionalString(opts.ResponsibleActor),
		Frequency:        freq,
		Timezone:         opts.Timezone,
		ActiveFrom:       opts.ActiveFrom,
		ActiveUntil:      optionalString(opts.ActiveUntil),
		Evidence: domain.EvidenceRequirements{
			RequirePhoto:   opts.RequirePhoto,
			RequireComment: opts.RequireComment,
		},
		Description: opts.Description,
		CreatedAt:   nowStr,
		UpdatedAt:   nowStr,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RecurringDefinition{}, err
	}
	defer tx.Rollback()
	if err := e.insertDefinitionTx(ctx, tx, d); err != nil {
		return domain.RecurringDefinition{}, fmt.Errorf("insert definition: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "definition.create", domain.OccurrenceKey{DefinitionID: d.ID}, opts.ActorID, "", "", events.EventPayload{"frequency": string(d.Frequency), "location_id": d.LocationID}); err != nil {
		return domain.RecurringDefinition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RecurringDefinition{}, err
	}
	return d, nil
}

func (e Engine) insertDefinitionTx(ctx context.Context, tx *sql.Tx, d domain.RecurringDefinition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO definitions(id,location_id,responsible_actor,frequency,timezone,active_from,active_until,require_photo,require_comment,description,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.LocationID, derefOrNil(d.ResponsibleActor), string(d.Frequency), d.Timezone, d.ActiveFrom,
		derefOrNil(d.ActiveUntil), boolInt(d.Evidence.RequirePhoto), boolInt(d.Evidence.RequireComment),
		nullable(d.Description), d.CreatedAt, d.UpdatedAt)
	return err
}

// DefinitionUpdateOptions patch a definition in place. Nil pointers leave the
// field unchanged. Frequency changes apply only to future projections;
// already-materialized rows keep their due dates.
type DefinitionUpdateOptions struct {
	ID               string
	LocationID       *string
	ResponsibleActor *string
	Frequency        *string
	Timezone         *string
	ActiveUntil      *string
	RequirePhoto     *bool
	RequireComment   *bool
	Description      *string
	ActorID          string
}

func (e Engine) UpdateDefinition(ctx context.Context, opts DefinitionUpdateOptions) (domain.RecurringDefinition, error) {
	d, err := e.Repo.GetDefinition(ctx, opts.ID)
	if err != nil {
		return d, err
	}
	if opts.LocationID != nil {
		if _, err := e.Repo.GetLocation(ctx, *opts.LocationID); err != nil {
			return d, fmt.Errorf("location %s: %w", *opts.LocationID, err)
		}
		d.LocationID = *opts.LocationID
	}
	if opts.ResponsibleActor != nil {
		d.ResponsibleActor = optionalString(*opts.ResponsibleActor)
	}
	if opts.Frequency != nil {
		freq, err := domain.ParseFrequency(*opts.Frequency)
		if err != nil {
			return d, err
		}
		d.Frequency = freq
	}
	if opts.Timezone != nil {
		if _, err := time.LoadLocation(*opts.Timezone); err != nil {
			return d, fmt.Errorf("timezone: %w", err)
		}
		d.Timezone = *opts.Timezone
	}
	if opts.ActiveUntil != nil {
		if *opts.ActiveUntil == "" {
			d.ActiveUntil = nil
		} else {
			until, err := domain.ParseDueDate(*opts.ActiveUntil)
			if err != nil {
				return d, fmt.Errorf("active-until: %w", err)
			}
			d.ActiveUntil = &until
		}
	}
	if opts.RequirePhoto != nil {
		d.Evidence.RequirePhoto = *opts.RequirePhoto
	}
	if opts.RequireComment != nil {
		d.Evidence.RequireComment = *opts.RequireComment
	}
	if opts.Description != nil {
		d.Description = *opts.Description
	}
	d.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := e.updateDefinitionTx(ctx, tx, d); err != nil {
		return d, err
	}
	if err := e.Events.Append(ctx, tx, "definition.update", domain.OccurrenceKey{DefinitionID: d.ID}, opts.ActorID, "", "", events.EventPayload{"frequency": string(d.Frequency)}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// RetireDefinition soft-retires a definition. Due dates after the given date
// are never projected again; materialized rows are untouched.
func (e Engine) RetireDefinition(ctx context.Context, id, until, actorID string) (domain.RecurringDefinition, error) {
	d, err := e.Repo.GetDefinition(ctx, id)
	if err != nil {
		return d, err
	}
	if until == "" {
		until = e.today()
	}
	if until, err = domain.ParseDueDate(until); err != nil {
		return d, fmt.Errorf("until: %w", err)
	}
	d.ActiveUntil = &until
	d.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := e.updateDefinitionTx(ctx, tx, d); err != nil {
		return d, err
	}
	if err := e.Events.Append(ctx, tx, "definition.retire", domain.OccurrenceKey{DefinitionID: d.ID}, actorID, "", "", events.EventPayload{"active_until": until}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

func (e Engine) updateDefinitionTx(ctx context.Context, tx *sql.Tx, d domain.RecurringDefinition) error {
	res, err := tx.ExecContext(ctx, `UPDATE definitions SET location_id=?, responsible_actor=?, frequency=?, timezone=?, active_from=?, active_until=?, require_photo=?, require_comment=?, description=?, updated_at=? WHERE id=?`,
		d.LocationID, derefOrNil(d.ResponsibleActor), string(d.Frequency), d.Timezone, d.ActiveFrom,
		derefOrNil(d.ActiveUntil), boolInt(d.Evidence.RequirePhoto), boolInt(d.Evidence.RequireComment),
		nullable(d.Description), d.UpdatedAt, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// CreateAPIKey mints a new key, stores its hash, and returns the plaintext
// once. The plaintext is never persisted.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	if actorID == "" {
		return "", domain.APIKey{}, errors.New("actor is required")
	}
	plaintext := "ck_" + uuid.NewString()
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return plaintext, key, nil
}

// dueDatesFor wraps the recurrence policy so callers inside the engine share
// one error shape for bad definitions.
func dueDatesFor(d domain.RecurringDefinition, from, to string) ([]string, error) {
	dates, err := recurrence.DueDates(d, from, to)
	if err != nil {
		return nil, fmt.Errorf("definition %s: %w", d.ID, err)
	}
	return dates, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefOrNil(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
