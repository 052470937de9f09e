//revive:disable-next-line:var-naming
package types

import (
	"time"

	"github.com/google/uuid"
)

// Project carries the fields the authorization core needs; the full
// entity (status, description, members page, ...) lives with the CRUD
// layer outside this core.
type Project struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	OwnerID   uuid.UUID `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

type Task struct {
	ID         uuid.UUID  `json:"id"`
	ProjectID  uuid.UUID  `json:"project_id"`
	Title      string     `json:"title"`
	AssigneeID *uuid.UUID `json:"assignee_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// UserRef is the read-only slice of a user account used for principal
// existence checks and display enrichment.
type UserRef struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
}
