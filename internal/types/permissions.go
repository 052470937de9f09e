//revive:disable-next-line:var-naming
package types

import (
	"time"

	"github.com/google/uuid"
)

// ResourceType identifies what kind of resource a grant is attached to.
type ResourceType string

const (
	ResourceProject ResourceType = "PROJECT"
	ResourceTask    ResourceType = "TASK"
)

// PermissionLevel is the ordered capability tier on a resource.
// Not the same enumeration as TeamRole.
type PermissionLevel string

const (
	PermissionRead   PermissionLevel = "READ"
	PermissionWrite  PermissionLevel = "WRITE"
	PermissionDelete PermissionLevel = "DELETE"
	PermissionAdmin  PermissionLevel = "ADMIN"
)

// Rank returns the integer position of the level in the order
// READ(1) < WRITE(2) < DELETE(3) < ADMIN(4). Unknown levels rank 0 so
// they never satisfy any requirement.
func (p PermissionLevel) Rank() int {
	switch p {
	case PermissionRead:
		return 1
	case PermissionWrite:
		return 2
	case PermissionDelete:
		return 3
	case PermissionAdmin:
		return 4
	default:
		return 0
	}
}

// Satisfies reports whether a held level meets a required level.
// Comparison is by rank, not set containment: ADMIN satisfies READ.
func (p PermissionLevel) Satisfies(required PermissionLevel) bool {
	return p.Rank() >= required.Rank()
}

// PermissionGrant is one persisted access grant on one resource for
// exactly one principal: either UserID or TeamID is set, never both.
type PermissionGrant struct {
	ID           uuid.UUID       `json:"id"`
	ResourceType ResourceType    `json:"resource_type"`
	ResourceID   uuid.UUID       `json:"resource_id"`
	UserID       *uuid.UUID      `json:"user_id,omitempty"`
	TeamID       *uuid.UUID      `json:"team_id,omitempty"`
	Level        PermissionLevel `json:"level"`
	GrantedBy    uuid.UUID       `json:"granted_by"`
	CreatedAt    time.Time       `json:"created_at"`
}

// GrantPermissionParams carries the caller-supplied part of a grant
// request. Exactly one of UserID/TeamID must be set.
type GrantPermissionParams struct {
	UserID *uuid.UUID      `json:"user_id,omitempty"`
	TeamID *uuid.UUID      `json:"team_id,omitempty"`
	Level  PermissionLevel `json:"level"`
}

// PermissionGrantDetail is a grant enriched with display fields for
// presentation. The lookups feeding it are read-only.
type PermissionGrantDetail struct {
	PermissionGrant
	ResourceName  string `json:"resource_name"`
	PrincipalName string `json:"principal_name"`
	GrantedByName string `json:"granted_by_name"`
}
