package models

import "time"

// User represents an application user record, keyed by the Azure AD object id
// (oid claim). Claims holds the full snapshot of the last-seen token claims
// and is never serialized into API responses.
type User struct {
	OID               string                 `json:"oid"`
	Name              string                 `json:"name"`
	Email             string                 `json:"email"`
	PreferredUsername string                 `json:"preferred_username,omitempty"`
	TenantID          string                 `json:"tenant_id,omitempty"`
	Roles             []string               `json:"roles"`
	Claims            map[string]interface{} `json:"-"`
	FirstLogin        time.Time              `json:"first_login"`
	LastLogin         time.Time              `json:"last_login"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}
