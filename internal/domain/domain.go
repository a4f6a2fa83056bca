package domain

import (
	"fmt"
	"strings"
	"time"
)

// Frequency of a recurring definition. The anchor date (ActiveFrom) plus the
// frequency fully determine every due date.
type Frequency string

const (
	Daily   Frequency = "DAILY"
	Weekly  Frequency = "WEEKLY"
	Monthly Frequency = "MONTHLY"
)

func ParseFrequency(s string) (Frequency, error) {
	switch Frequency(strings.ToUpper(strings.TrimSpace(s))) {
	case Daily:
		return Daily, nil
	case Weekly:
		return Weekly, nil
	case Monthly:
		return Monthly, nil
	}
	return "", fmt.Errorf("unknown frequency %q", s)
}

// Status of a materialized occurrence. PENDING is the virtual-only status and
// is never stored.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusNew        Status = "NEW"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further transitions are allowed through the
// normal API.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Open reports whether the occurrence still accepts work.
func (s Status) Open() bool {
	return s == StatusNew || s == StatusInProgress
}

// DateLayout is the calendar-date wire format for due dates. Due dates are
// timezone-less once computed; recurrence arithmetic happens in the
// definition's own time zone before formatting.
const DateLayout = "2006-01-02"

// OccurrenceKey addresses an occurrence before and after materialization.
// Two keys are equal iff both components are equal, so the struct is usable
// as a map key.
type OccurrenceKey struct {
	DefinitionID string `json:"definition_id"`
	DueDate      string `json:"due_date"`
}

func (k OccurrenceKey) String() string {
	return k.DefinitionID + ":" + k.DueDate
}

// ParseDueDate validates the calendar-date component of a key.
func ParseDueDate(s string) (string, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid due date %q: expected YYYY-MM-DD", s)
	}
	return t.Format(DateLayout), nil
}

// EvidenceRequirements gates completion of occurrences of a definition.
type EvidenceRequirements struct {
	RequirePhoto   bool `json:"require_photo"`
	RequireComment bool `json:"require_comment"`
}

// RecurringDefinition is a standing unit of cleaning work (a tech card)
// bound to a location and an optional responsible actor.
type RecurringDefinition struct {
	ID               string               `json:"id"`
	LocationID       string               `json:"location_id"`
	ResponsibleActor *string              `json:"responsible_actor,omitempty"`
	Frequency        Frequency            `json:"frequency" enum:"DAILY,WEEKLY,MONTHLY"`
	Timezone         string               `json:"timezone"`
	ActiveFrom       string               `json:"active_from"`
	ActiveUntil      *string              `json:"active_until,omitempty"`
	Evidence         EvidenceRequirements `json:"evidence"`
	Description      string               `json:"description,omitempty"`
	CreatedAt        string               `json:"created_at" format:"date-time"`
	UpdatedAt        string               `json:"updated_at" format:"date-time"`
}

// Retired reports whether the definition is soft-retired before the given
// calendar date.
func (d RecurringDefinition) Retired(date string) bool {
	return d.ActiveUntil != nil && *d.ActiveUntil < date
}

// Location is a flattened node of the object/site/zone/room hierarchy. Path
// is the breadcrumb shown to users; SortKey orders calendar rendering.
type Location struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	SortKey   string `json:"sort_key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Occurrence is the durable record for an occurrence key. At most one row
// exists per key, enforced by the storage primary key.
type Occurrence struct {
	Key           OccurrenceKey `json:"key"`
	Status        Status        `json:"status" enum:"NEW,IN_PROGRESS,COMPLETED,FAILED"`
	AssignedTo    *string       `json:"assigned_to,omitempty"`
	ClaimedBy     *string       `json:"claimed_by,omitempty"`
	Comment       string        `json:"comment,omitempty"`
	PhotoRefs     []string      `json:"photo_refs,omitempty"`
	FailureReason *string       `json:"failure_reason,omitempty"`
	CreatedAt     string        `json:"created_at" format:"date-time"`
	UpdatedAt     string        `json:"updated_at" format:"date-time"`
	CompletedAt   *string       `json:"completed_at,omitempty" format:"date-time"`
}

// ProjectedOccurrence is one calendar entry: either a materialized row or a
// virtual occurrence computed fresh from the catalog. Virtual entries carry
// status PENDING and the live responsible actor; materialized entries carry
// the assignment frozen at materialization.
type ProjectedOccurrence struct {
	Key              OccurrenceKey `json:"key"`
	DueDate          string        `json:"due_date"`
	Status           Status        `json:"status" enum:"PENDING,NEW,IN_PROGRESS,COMPLETED,FAILED"`
	Materialized     bool          `json:"materialized"`
	ResponsibleActor *string       `json:"responsible_actor,omitempty"`
	Location         Location      `json:"location"`
	Description      string        `json:"description,omitempty"`
	Occurrence       *Occurrence   `json:"occurrence,omitempty"`
}

// Event is one append-only lifecycle/audit log entry.
type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	DefinitionID string `json:"definition_id,omitempty"`
	DueDate      string `json:"due_date,omitempty"`
	ActorID      string `json:"actor_id"`
	OldStatus    string `json:"old_status,omitempty"`
	NewStatus    string `json:"new_status,omitempty"`
	Payload      string `json:"payload_json"`
}

// APIKey authenticates a non-interactive caller.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
