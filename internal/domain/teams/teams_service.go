package teams

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskforge/taskforge-api/internal/types"
)

var _ Service = (*ServiceImpl)(nil)

// Service is the team management surface. Role checks here protect the
// membership rows themselves; resource access checks live with the
// permission resolver.
type Service interface {
	CreateTeam(ctx context.Context, ownerID uuid.UUID, params types.CreateTeamParams) (*types.Team, error)
	GetTeam(ctx context.Context, teamID uuid.UUID) (*types.Team, error)
	AddMember(ctx context.Context, teamID, requestedBy, userID uuid.UUID, role types.TeamRole) (*types.TeamMembership, error)
	UpdateMemberRole(ctx context.Context, teamID, requestedBy, userID uuid.UUID, role types.TeamRole) error
	RemoveMember(ctx context.Context, teamID, requestedBy, userID uuid.UUID) error
	ListMembers(ctx context.Context, teamID uuid.UUID) ([]*types.TeamMembership, error)
}

type ServiceImpl struct {
	logger *slog.Logger
	repo   Repository
}

func NewService(repo Repository, logger *slog.Logger) *ServiceImpl {
	return &ServiceImpl{
		logger: logger,
		repo:   repo,
	}
}

func (s *ServiceImpl) CreateTeam(ctx context.Context, ownerID uuid.UUID, params types.CreateTeamParams) (*types.Team, error) {
	ctx, span := otel.Tracer("TeamService").Start(ctx, "CreateTeam", trace.WithAttributes(
		attribute.String("user.id", ownerID.String()),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "CreateTeam"), slog.String("ownerID", ownerID.String()))

	if params.Name == "" {
		span.SetStatus(codes.Error, "Team name required")
		return nil, fmt.Errorf("team name is required: %w", types.ErrBadRequest)
	}

	team, err := s.repo.CreateTeam(ctx, ownerID, params)
	if err != nil {
		l.ErrorContext(ctx, "Failed to create team", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to create team")
		return nil, fmt.Errorf("error creating team: %w", err)
	}

	l.InfoContext(ctx, "Team created", slog.String("teamID", team.ID.String()))
	span.SetStatus(codes.Ok, "Team created")
	return team, nil
}

func (s *ServiceImpl) GetTeam(ctx context.Context, teamID uuid.UUID) (*types.Team, error) {
	ctx, span := otel.Tracer("TeamService").Start(ctx, "GetTeam", trace.WithAttributes(
		attribute.String("team.id", teamID.String()),
	))
	defer span.End()

	team, err := s.repo.GetTeam(ctx, teamID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to fetch team")
		return nil, fmt.Errorf("error fetching team: %w", err)
	}

	span.SetStatus(codes.Ok, "Team fetched")
	return team, nil
}

// AddMember enrolls a user. Only OWNER or ADMIN members may add, and an
// ADMIN cannot mint another OWNER.
func (s *ServiceImpl) AddMember(ctx context.Context, teamID, requestedBy, userID uuid.UUID, role types.TeamRole) (*types.TeamMembership, error) {
	ctx, span := otel.Tracer("TeamService").Start(ctx, "AddMember", trace.WithAttributes(
		attribute.String("team.id", teamID.String()),
		attribute.String("user.id", userID.String()),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "AddMember"), slog.String("teamID", teamID.String()), slog.String("userID", userID.String()))

	if role.Rank() == 0 {
		span.SetStatus(codes.Error, "Unknown role")
		return nil, fmt.Errorf("unknown team role %q: %w", role, types.ErrBadRequest)
	}

	actor, err := s.requireManager(ctx, teamID, requestedBy)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Not authorized to manage members")
		return nil, err
	}
	if role == types.TeamRoleOwner && actor.Role != types.TeamRoleOwner {
		span.SetStatus(codes.Error, "Only owner assigns OWNER")
		return nil, fmt.Errorf("only the team owner may assign the OWNER role: %w", types.ErrForbidden)
	}

	m, err := s.repo.AddMember(ctx, teamID, userID, role)
	if err != nil {
		l.ErrorContext(ctx, "Failed to add member", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to add member")
		return nil, fmt.Errorf("error adding team member: %w", err)
	}

	l.InfoContext(ctx, "Team member added", slog.String("role", string(role)))
	span.SetStatus(codes.Ok, "Member added")
	return m, nil
}

// UpdateMemberRole changes a member's role. The registered team owner's
// row can never be changed while they remain the owner.
func (s *ServiceImpl) UpdateMemberRole(ctx context.Context, teamID, requestedBy, userID uuid.UUID, role types.TeamRole) error {
	ctx, span := otel.Tracer("TeamService").Start(ctx, "UpdateMemberRole", trace.WithAttributes(
		attribute.String("team.id", teamID.String()),
		attribute.String("user.id", userID.String()),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "UpdateMemberRole"), slog.String("teamID", teamID.String()), slog.String("userID", userID.String()))

	if role.Rank() == 0 {
		span.SetStatus(codes.Error, "Unknown role")
		return fmt.Errorf("unknown team role %q: %w", role, types.ErrBadRequest)
	}

	team, err := s.repo.GetTeam(ctx, teamID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("error fetching team: %w", err)
	}
	if team.OwnerID == userID {
		span.SetStatus(codes.Error, "Owner role immutable")
		return fmt.Errorf("the registered team owner's role cannot be changed: %w", types.ErrForbidden)
	}

	actor, err := s.requireManager(ctx, teamID, requestedBy)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Not authorized to manage members")
		return err
	}

	target, err := s.repo.GetMembership(ctx, teamID, userID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("error fetching membership: %w", err)
	}
	if actor.Role != types.TeamRoleOwner && target.Role.Rank() >= actor.Role.Rank() {
		span.SetStatus(codes.Error, "Cannot modify equal or higher role")
		return fmt.Errorf("cannot modify a member of equal or higher role: %w", types.ErrForbidden)
	}
	if role == types.TeamRoleOwner && actor.Role != types.TeamRoleOwner {
		span.SetStatus(codes.Error, "Only owner assigns OWNER")
		return fmt.Errorf("only the team owner may assign the OWNER role: %w", types.ErrForbidden)
	}

	if err := s.repo.UpdateMemberRole(ctx, teamID, userID, role); err != nil {
		l.ErrorContext(ctx, "Failed to update member role", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to update member role")
		return fmt.Errorf("error updating member role: %w", err)
	}

	l.InfoContext(ctx, "Member role updated", slog.String("role", string(role)))
	span.SetStatus(codes.Ok, "Role updated")
	return nil
}

// RemoveMember drops a user from the team. The registered owner can
// never be removed.
func (s *ServiceImpl) RemoveMember(ctx context.Context, teamID, requestedBy, userID uuid.UUID) error {
	ctx, span := otel.Tracer("TeamService").Start(ctx, "RemoveMember", trace.WithAttributes(
		attribute.String("team.id", teamID.String()),
		attribute.String("user.id", userID.String()),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "RemoveMember"), slog.String("teamID", teamID.String()), slog.String("userID", userID.String()))

	team, err := s.repo.GetTeam(ctx, teamID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("error fetching team: %w", err)
	}
	if team.OwnerID == userID {
		span.SetStatus(codes.Error, "Owner cannot be removed")
		return fmt.Errorf("the registered team owner cannot be removed: %w", types.ErrForbidden)
	}

	// A member may always leave on their own; otherwise manager rules
	// apply.
	if requestedBy != userID {
		actor, err := s.requireManager(ctx, teamID, requestedBy)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Not authorized to manage members")
			return err
		}
		target, err := s.repo.GetMembership(ctx, teamID, userID)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("error fetching membership: %w", err)
		}
		if actor.Role != types.TeamRoleOwner && target.Role.Rank() >= actor.Role.Rank() {
			span.SetStatus(codes.Error, "Cannot remove equal or higher role")
			return fmt.Errorf("cannot remove a member of equal or higher role: %w", types.ErrForbidden)
		}
	}

	if err := s.repo.RemoveMember(ctx, teamID, userID); err != nil {
		l.ErrorContext(ctx, "Failed to remove member", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to remove member")
		return fmt.Errorf("error removing team member: %w", err)
	}

	l.InfoContext(ctx, "Team member removed")
	span.SetStatus(codes.Ok, "Member removed")
	return nil
}

func (s *ServiceImpl) ListMembers(ctx context.Context, teamID uuid.UUID) ([]*types.TeamMembership, error) {
	ctx, span := otel.Tracer("TeamService").Start(ctx, "ListMembers", trace.WithAttributes(
		attribute.String("team.id", teamID.String()),
	))
	defer span.End()

	members, err := s.repo.ListMembers(ctx, teamID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to list members")
		return nil, fmt.Errorf("error listing team members: %w", err)
	}

	span.SetStatus(codes.Ok, "Members listed")
	return members, nil
}

// requireManager returns the actor's membership if they hold ADMIN or
// OWNER in the team.
func (s *ServiceImpl) requireManager(ctx context.Context, teamID, userID uuid.UUID) (*types.TeamMembership, error) {
	m, err := s.repo.GetMembership(ctx, teamID, userID)
	if err != nil {
		return nil, fmt.Errorf("requester is not a team member: %w", types.ErrForbidden)
	}
	if m.Role.Rank() < types.TeamRoleAdmin.Rank() {
		return nil, fmt.Errorf("requires ADMIN or OWNER team role: %w", types.ErrForbidden)
	}
	return m, nil
}
