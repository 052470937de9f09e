//revive:disable-next-line:var-naming
package types

import (
	"time"

	"github.com/google/uuid"
)

// TeamRole is the ordered membership tier within a team. Distinct from
// PermissionLevel even though both are ranked.
type TeamRole string

const (
	TeamRoleViewer TeamRole = "VIEWER"
	TeamRoleMember TeamRole = "MEMBER"
	TeamRoleAdmin  TeamRole = "ADMIN"
	TeamRoleOwner  TeamRole = "OWNER"
)

// Rank returns the integer position of the role in the order
// VIEWER(1) < MEMBER(2) < ADMIN(3) < OWNER(4).
func (r TeamRole) Rank() int {
	switch r {
	case TeamRoleViewer:
		return 1
	case TeamRoleMember:
		return 2
	case TeamRoleAdmin:
		return 3
	case TeamRoleOwner:
		return 4
	default:
		return 0
	}
}

type Team struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	Description *string    `json:"description,omitempty"`
	OwnerID     uuid.UUID  `json:"owner_id"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// TeamMembership ties one user to one team with one role. Exactly one
// row per (team, user) pair.
type TeamMembership struct {
	TeamID   uuid.UUID `json:"team_id"`
	UserID   uuid.UUID `json:"user_id"`
	Role     TeamRole  `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

type CreateTeamParams struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}
