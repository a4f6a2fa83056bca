package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Krestall88/cleaning-control/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- locations ---

func (r Repo) InsertLocation(ctx context.Context, l domain.Location) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO locations(id,name,path,sort_key,created_at) VALUES (?,?,?,?,?)`,
		l.ID, l.Name, l.Path, l.SortKey, l.CreatedAt)
	return err
}

func (r Repo) GetLocation(ctx context.Context, id string) (domain.Location, error) {
	var l domain.Location
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,path,sort_key,created_at FROM locations WHERE id=?`, id).
		Scan(&l.ID, &l.Name, &l.Path, &l.SortKey, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) ListLocations(ctx context.Context) ([]domain.Location, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,path,sort_key,created_at FROM locations ORDER BY sort_key, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Location
	for rows.Next() {
		var l domain.Location
		if err := rows.Scan(&l.ID, &l.Name, &l.Path, &l.SortKey, &l.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// LocationsByID loads the given location ids into a map. Missing ids are
// simply absent from the result; the projector treats them as integrity
// warnings, not errors.
func (r Repo) LocationsByID(ctx context.Context, ids []string) (map[string]domain.Location, error) {
	res := make(map[string]domain.Location, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,path,sort_key,created_at FROM locations WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var l domain.Location
		if err := rows.Scan(&l.ID, &l.Name, &l.Path, &l.SortKey, &l.CreatedAt); err != nil {
			return nil, err
		}
		res[l.ID] = l
	}
	return res, rows.Err()
}

// --- definitions ---

func (r Repo) InsertDefinition(ctx context.Context, d domain.RecurringDefinition) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO definitions(id,location_id,responsible_actor,frequency,timezone,active_from,active_until,require_photo,require_comment,description,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.LocationID, nullableStringPtr(d.ResponsibleActor), string(d.Frequency), d.Timezone, d.ActiveFrom,
		nullableStringPtr(d.ActiveUntil), boolInt(d.Evidence.RequirePhoto), boolInt(d.Evidence.RequireComment),
		nullable(d.Description), d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) UpdateDefinition(ctx context.Context, d domain.RecurringDefinition) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE definitions SET location_id=?, responsible_actor=?, frequency=?, timezone=?, active_from=?, active_until=?, require_photo=?, require_comment=?, description=?, updated_at=? WHERE id=?`,
		d.LocationID, nullableStringPtr(d.ResponsibleActor), string(d.Frequency), d.Timezone, d.ActiveFrom,
		nullableStringPtr(d.ActiveUntil), boolInt(d.Evidence.RequirePhoto), boolInt(d.Evidence.RequireComment),
		nullable(d.Description), d.UpdatedAt, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const definitionColumns = `id,location_id,responsible_actor,frequency,timezone,active_from,active_until,require_photo,require_comment,description,created_at,updated_at`

func scanDefinition(scan func(...any) error) (domain.RecurringDefinition, error) {
	var d domain.RecurringDefinition
	var responsible, activeUntil, description sql.NullString
	var requirePhoto, requireComment int
	var freq string
	err := scan(&d.ID, &d.LocationID, &responsible, &freq, &d.Timezone, &d.ActiveFrom, &activeUntil,
		&requirePhoto, &requireComment, &description, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return d, err
	}
	d.Frequency = domain.Frequency(freq)
	if responsible.Valid {
		d.ResponsibleActor = &responsible.String
	}
	if activeUntil.Valid {
		d.ActiveUntil = &activeUntil.String
	}
	if description.Valid {
		d.Description = description.String
	}
	d.Evidence.RequirePhoto = requirePhoto != 0
	d.Evidence.RequireComment = requireComment != 0
	return d, nil
}

func (r Repo) GetDefinition(ctx context.Context, id string) (domain.RecurringDefinition, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM definitions WHERE id=?`, id)
	d, err := scanDefinition(row.Scan)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

type DefinitionFilters struct {
	LocationID       string
	ResponsibleActor string
	// ActiveOn keeps only definitions whose [active_from, active_until]
	// range covers the given calendar date.
	ActiveOn string
}

func (r Repo) ListDefinitions(ctx context.Context, f DefinitionFilters) ([]domain.RecurringDefinition, error) {
	var clauses []string
	var args []any
	if f.LocationID != "" {
		clauses = append(clauses, "location_id=?")
		args = append(args, f.LocationID)
	}
	if f.ResponsibleActor != "" {
		clauses = append(clauses, "responsible_actor=?")
		args = append(args, f.ResponsibleActor)
	}
	if f.ActiveOn != "" {
		clauses = append(clauses, "active_from<=? AND (active_until IS NULL OR active_until>=?)")
		args = append(args, f.ActiveOn, f.ActiveOn)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+definitionColumns+` FROM definitions `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RecurringDefinition
	for rows.Next() {
		d, err := scanDefinition(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// --- occurrences ---

const occurrenceColumns = `definition_id,due_date,status,assigned_to,claimed_by,comment,photo_refs,failure_reason,created_at,updated_at,completed_at`

func scanOccurrence(scan func(...any) error) (domain.Occurrence, error) {
	var o domain.Occurrence
	var assignedTo, claimedBy, comment, photoRefs, failureReason, completedAt sql.NullString
	var status string
	err := scan(&o.Key.DefinitionID, &o.Key.DueDate, &status, &assignedTo, &claimedBy, &comment,
		&photoRefs, &failureReason, &o.CreatedAt, &o.UpdatedAt, &completedAt)
	if err != nil {
		return o, err
	}
	o.Status = domain.Status(status)
	if assignedTo.Valid {
		o.AssignedTo = &assignedTo.String
	}
	if claimedBy.Valid {
		o.ClaimedBy = &claimedBy.String
	}
	if comment.Valid {
		o.Comment = comment.String
	}
	if photoRefs.Valid && photoRefs.String != "" {
		if err := json.Unmarshal([]byte(photoRefs.String), &o.PhotoRefs); err != nil {
			return o, fmt.Errorf("occurrence %s: photo_refs: %w", o.Key, err)
		}
	}
	if failureReason.Valid {
		o.FailureReason = &failureReason.String
	}
	if completedAt.Valid {
		o.CompletedAt = &completedAt.String
	}
	return o, nil
}

// InsertOccurrenceIfAbsent is the atomic create-if-absent step: the primary
// key on (definition_id, due_date) makes concurrent inserts collapse onto the
// first committed row. Returns true when this call created the row.
func (r Repo) InsertOccurrenceIfAbsent(ctx context.Context, tx *sql.Tx, o domain.Occurrence) (bool, error) {
	photos, err := marshalPhotoRefs(o.PhotoRefs)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO occurrences(definition_id,due_date,status,assigned_to,claimed_by,comment,photo_refs,failure_reason,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(definition_id,due_date) DO NOTHING`,
		o.Key.DefinitionID, o.Key.DueDate, string(o.Status), nullableStringPtr(o.AssignedTo), nullableStringPtr(o.ClaimedBy),
		nullable(o.Comment), photos, nullableStringPtr(o.FailureReason), o.CreatedAt, o.UpdatedAt, nullableStringPtr(o.CompletedAt))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) UpdateOccurrence(ctx context.Context, tx *sql.Tx, o domain.Occurrence) error {
	photos, err := marshalPhotoRefs(o.PhotoRefs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE occurrences SET status=?, assigned_to=?, claimed_by=?, comment=?, photo_refs=?, failure_reason=?, updated_at=?, completed_at=? WHERE definition_id=? AND due_date=?`,
		string(o.Status), nullableStringPtr(o.AssignedTo), nullableStringPtr(o.ClaimedBy), nullable(o.Comment),
		photos, nullableStringPtr(o.FailureReason), o.UpdatedAt, nullableStringPtr(o.CompletedAt),
		o.Key.DefinitionID, o.Key.DueDate)
	return err
}

func (r Repo) GetOccurrence(ctx context.Context, key domain.OccurrenceKey) (domain.Occurrence, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+occurrenceColumns+` FROM occurrences WHERE definition_id=? AND due_date=?`,
		key.DefinitionID, key.DueDate)
	o, err := scanOccurrence(row.Scan)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) GetOccurrenceTx(ctx context.Context, tx *sql.Tx, key domain.OccurrenceKey) (domain.Occurrence, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+occurrenceColumns+` FROM occurrences WHERE definition_id=? AND due_date=?`,
		key.DefinitionID, key.DueDate)
	o, err := scanOccurrence(row.Scan)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

// OccurrencesForDefinition returns the materialized rows of one definition
// inside a date window, keyed for the projector's merge step.
func (r Repo) OccurrencesForDefinition(ctx context.Context, definitionID, from, to string) (map[domain.OccurrenceKey]domain.Occurrence, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+occurrenceColumns+` FROM occurrences WHERE definition_id=? AND due_date>=? AND due_date<=?`,
		definitionID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.OccurrenceKey]domain.Occurrence{}
	for rows.Next() {
		o, err := scanOccurrence(rows.Scan)
		if err != nil {
			return nil, err
		}
		res[o.Key] = o
	}
	return res, rows.Err()
}

// ListOpenOccurrencesDueBefore returns NEW/IN_PROGRESS rows with a due date
// strictly before the cutoff. Used by the sweep.
func (r Repo) ListOpenOccurrencesDueBefore(ctx context.Context, cutoff string) ([]domain.Occurrence, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+occurrenceColumns+` FROM occurrences WHERE status IN ('NEW','IN_PROGRESS') AND due_date<? ORDER BY due_date, definition_id`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) CountOccurrencesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM occurrences GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, definitionID, dueDate string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if definitionID != "" {
		clauses = append(clauses, "definition_id=?")
		args = append(args, definitionID)
	}
	if dueDate != "" {
		clauses = append(clauses, "due_date=?")
		args = append(args, dueDate)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,definition_id,due_date,actor_id,old_status,new_status,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order. The webhook notifier pages through the log with this.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,definition_id,due_date,actor_id,old_status,new_status,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var definitionID, dueDate, oldStatus, newStatus, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &definitionID, &dueDate, &e.ActorID, &oldStatus, &newStatus, &payload); err != nil {
			return nil, err
		}
		if definitionID.Valid {
			e.DefinitionID = definitionID.String
		}
		if dueDate.Valid {
			e.DueDate = dueDate.String
		}
		if oldStatus.Valid {
			e.OldStatus = oldStatus.String
		}
		if newStatus.Valid {
			e.NewStatus = newStatus.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func marshalPhotoRefs(refs []string) (any, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
