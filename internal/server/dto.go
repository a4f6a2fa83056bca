package server

import (
	"github.com/Krestall88/cleaning-control/internal/domain"
	"github.com/Krestall88/cleaning-control/internal/engine"
)

// Request payloads

type CreateLocationRequest struct {
	ID      *string `json:"id,omitempty"`
	Name    string  `json:"name"`
	Path    *string `json:"path,omitempty"`
	SortKey *string `json:"sort_key,omitempty"`
}

type CreateDefinitionRequest struct {
	ID               *string `json:"id,omitempty"`
	LocationID       string  `json:"location_id"`
	ResponsibleActor *string `json:"responsible_actor,omitempty"`
	Frequency        string  `json:"frequency" enum:"DAILY,WEEKLY,MONTHLY"`
	Timezone         *string `json:"timezone,omitempty"`
	ActiveFrom       *string `json:"active_from,omitempty"`
	ActiveUntil      *string `json:"active_until,omitempty"`
	RequirePhoto     bool    `json:"require_photo,omitempty"`
	RequireComment   bool    `json:"require_comment,omitempty"`
	Description      *string `json:"description,omitempty"`
}

type UpdateDefinitionRequest struct {
	LocationID       *string `json:"location_id,omitempty"`
	ResponsibleActor *string `json:"responsible_actor,omitempty"`
	Frequency        *string `json:"frequency,omitempty" enum:"DAILY,WEEKLY,MONTHLY"`
	Timezone         *string `json:"timezone,omitempty"`
	ActiveUntil      *string `json:"active_until,omitempty"`
	RequirePhoto     *bool   `json:"require_photo,omitempty"`
	RequireComment   *bool   `json:"require_comment,omitempty"`
	Description      *string `json:"description,omitempty"`
}

type RetireDefinitionRequest struct {
	Until *string `json:"until,omitempty"`
}

type CommentRequest struct {
	Text string `json:"text"`
}

type EvidenceRequest struct {
	PhotoRefs []string `json:"photo_refs"`
}

type CompleteRequest struct {
	Comment   *string  `json:"comment,omitempty"`
	PhotoRefs []string `json:"photo_refs,omitempty"`
}

type FailRequest struct {
	Reason string `json:"reason"`
}

type OverrideRequest struct {
	Status string `json:"status" enum:"NEW,IN_PROGRESS,COMPLETED,FAILED"`
	Reason string `json:"reason"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type LocationResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	SortKey   string `json:"sort_key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DefinitionResponse struct {
	ID               string  `json:"id"`
	LocationID       string  `json:"location_id"`
	ResponsibleActor *string `json:"responsible_actor,omitempty"`
	Frequency        string  `json:"frequency"`
	Timezone         string  `json:"timezone"`
	ActiveFrom       string  `json:"active_from"`
	ActiveUntil      *string `json:"active_until,omitempty"`
	RequirePhoto     bool    `json:"require_photo"`
	RequireComment   bool    `json:"require_comment"`
	Description      string  `json:"description,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

type OccurrenceResponse struct {
	DefinitionID  string   `json:"definition_id"`
	DueDate       string   `json:"due_date"`
	Status        string   `json:"status"`
	AssignedTo    *string  `json:"assigned_to,omitempty"`
	ClaimedBy     *string  `json:"claimed_by,omitempty"`
	Comment       string   `json:"comment,omitempty"`
	PhotoRefs     []string `json:"photo_refs,omitempty"`
	FailureReason *string  `json:"failure_reason,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
	CompletedAt   *string  `json:"completed_at,omitempty" format:"date-time"`
}

type CalendarItemResponse struct {
	DefinitionID     string              `json:"definition_id"`
	DueDate          string              `json:"due_date"`
	Status           string              `json:"status"`
	Materialized     bool                `json:"materialized"`
	ResponsibleActor *string             `json:"responsible_actor,omitempty"`
	Location         LocationResponse    `json:"location"`
	Description      string              `json:"description,omitempty"`
	Occurrence       *OccurrenceResponse `json:"occurrence,omitempty"`
}

type CalendarResponse struct {
	Items    []CalendarItemResponse `json:"items"`
	Warnings []string               `json:"warnings,omitempty"`
}

type EventResponse struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	DefinitionID string `json:"definition_id,omitempty"`
	DueDate      string `json:"due_date,omitempty"`
	ActorID      string `json:"actor_id"`
	OldStatus    string `json:"old_status,omitempty"`
	NewStatus    string `json:"new_status,omitempty"`
	Payload      string `json:"payload,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is the plaintext, present only in the create response.
	Key string `json:"key,omitempty"`
}

// Mapping helpers

func locationResponse(l domain.Location) LocationResponse {
	return LocationResponse{ID: l.ID, Name: l.Name, Path: l.Path, SortKey: l.SortKey, CreatedAt: l.CreatedAt}
}

func mapLocations(in []domain.Location) []LocationResponse {
	out := make([]LocationResponse, 0, len(in))
	for _, l := range in {
		out = append(out, locationResponse(l))
	}
	return out
}

func definitionResponse(d domain.RecurringDefinition) DefinitionResponse {
	return DefinitionResponse{
		ID:               d.ID,
		LocationID:       d.LocationID,
		ResponsibleActor: d.ResponsibleActor,
		Frequency:        string(d.Frequency),
		Timezone:         d.Timezone,
		ActiveFrom:       d.ActiveFrom,
		ActiveUntil:      d.ActiveUntil,
		RequirePhoto:     d.Evidence.RequirePhoto,
		RequireComment:   d.Evidence.RequireComment,
		Description:      d.Description,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

func mapDefinitions(in []domain.RecurringDefinition) []DefinitionResponse {
	out := make([]DefinitionResponse, 0, len(in))
	for _, d := range in {
		out = append(out, definitionResponse(d))
	}
	return out
}

func occurrenceResponse(o domain.Occurrence) OccurrenceResponse {
	return OccurrenceResponse{
		DefinitionID:  o.Key.DefinitionID,
		DueDate:       o.Key.DueDate,
		Status:        string(o.Status),
		AssignedTo:    o.AssignedTo,
		ClaimedBy:     o.ClaimedBy,
		Comment:       o.Comment,
		PhotoRefs:     o.PhotoRefs,
		FailureReason: o.FailureReason,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
		CompletedAt:   o.CompletedAt,
	}
}

func calendarResponse(res engine.ProjectionResult) CalendarResponse {
	items := make([]CalendarItemResponse, 0, len(res.Items))
	for _, it := range res.Items {
		item := CalendarItemResponse{
			DefinitionID:     it.Key.DefinitionID,
			DueDate:          it.DueDate,
			Status:           string(it.Status),
			Materialized:     it.Materialized,
			ResponsibleActor: it.ResponsibleActor,
			Location:         locationResponse(it.Location),
			Description:      it.Description,
		}
		if it.Occurrence != nil {
			o := occurrenceResponse(*it.Occurrence)
			item.Occurrence = &o
		}
		items = append(items, item)
	}
	return CalendarResponse{Items: items, Warnings: res.Warnings}
}

func mapEvents(in []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, e := range in {
		out = append(out, EventResponse{
			ID:           e.ID,
			TS:           e.TS,
			Type:         e.Type,
			DefinitionID: e.DefinitionID,
			DueDate:      e.DueDate,
			ActorID:      e.ActorID,
			OldStatus:    e.OldStatus,
			NewStatus:    e.NewStatus,
			Payload:      e.Payload,
		})
	}
	return out
}

func apiKeyResponse(k domain.APIKey, plaintext string) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt, Key: plaintext}
}
