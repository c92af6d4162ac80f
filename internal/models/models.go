// Package models defines the entity records shared by the local cache,
// the remote data service and the sync engine.
package models

import (
	"encoding/json"
	"time"
)

// EntityType identifies one synced table.
type EntityType string

const (
	EntityClients       EntityType = "clients"
	EntityTasks         EntityType = "tasks"
	EntityApprovals     EntityType = "approvals"
	EntityComments      EntityType = "comments"
	EntityContracts     EntityType = "contracts"
	EntityNotifications EntityType = "notifications"
)

// AllEntities returns every synced entity type in pull order.
// Clients come first so cross-references resolve during a fresh pull.
func AllEntities() []EntityType {
	return []EntityType{
		EntityClients,
		EntityTasks,
		EntityApprovals,
		EntityComments,
		EntityContracts,
		EntityNotifications,
	}
}

// Valid reports whether e names a known entity type.
func (e EntityType) Valid() bool {
	switch e {
	case EntityClients, EntityTasks, EntityApprovals,
		EntityComments, EntityContracts, EntityNotifications:
		return true
	}
	return false
}

// Mutable reports whether records of this type carry an updated_at
// timestamp. Comments and notifications are append-only and are ordered
// by created_at alone.
func (e EntityType) Mutable() bool {
	switch e {
	case EntityComments, EntityNotifications:
		return false
	}
	return true
}

// Record is the generic shape shared by every entity type: identity and
// timestamps live in fixed columns, the domain-specific fields travel as
// an opaque JSON payload.
type Record struct {
	ID        string          `json:"id"`
	ClientID  string          `json:"client_id,omitempty"`
	OrgID     string          `json:"org_id,omitempty"`
	CreatedBy string          `json:"created_by,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Timestamp returns the record's ordering key: updated_at when present,
// created_at otherwise.
func (r Record) Timestamp() time.Time {
	if r.UpdatedAt != nil {
		return *r.UpdatedAt
	}
	return r.CreatedAt
}

// Touch sets updated_at to now. Callers must only touch mutable entities.
func (r *Record) Touch(now time.Time) {
	t := now.UTC()
	r.UpdatedAt = &t
}

// PayloadFields decodes the payload into a generic map. An empty payload
// decodes to an empty map.
func (r Record) PayloadFields() (map[string]any, error) {
	fields := map[string]any{}
	if len(r.Payload) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(r.Payload, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// MergePayload applies changes onto the record's payload field-by-field
// and re-encodes it. A nil value in changes removes the field.
func (r *Record) MergePayload(changes map[string]any) error {
	fields, err := r.PayloadFields()
	if err != nil {
		return err
	}
	for k, v := range changes {
		if v == nil {
			delete(fields, k)
			continue
		}
		fields[k] = v
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	r.Payload = data
	return nil
}
