package teams

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskforge/taskforge-api/internal/types"
	"github.com/taskforge/taskforge-api/pkg/db"
)

var _ Repository = (*RepositoryImpl)(nil)

// Repository is the team membership store: which users belong to which
// teams and with what role.
type Repository interface {
	// CreateTeam inserts the team and auto-enrolls the creator as OWNER
	// in the same transaction.
	CreateTeam(ctx context.Context, ownerID uuid.UUID, params types.CreateTeamParams) (*types.Team, error)

	// GetTeam retrieves one team.
	GetTeam(ctx context.Context, teamID uuid.UUID) (*types.Team, error)

	// GetMembership retrieves the (team, user) membership row.
	GetMembership(ctx context.Context, teamID, userID uuid.UUID) (*types.TeamMembership, error)

	// AddMember inserts a membership row. A second row for the same
	// (team, user) pair is rejected with ErrConflict.
	AddMember(ctx context.Context, teamID, userID uuid.UUID, role types.TeamRole) (*types.TeamMembership, error)

	// UpdateMemberRole changes an existing member's role.
	UpdateMemberRole(ctx context.Context, teamID, userID uuid.UUID, role types.TeamRole) error

	// RemoveMember deletes a membership row.
	RemoveMember(ctx context.Context, teamID, userID uuid.UUID) error

	// ListMembers returns all memberships of a team.
	ListMembers(ctx context.Context, teamID uuid.UUID) ([]*types.TeamMembership, error)

	// ListTeamIDsForUser returns the ids of every team the user belongs
	// to, regardless of role. Feeds the permission resolver's
	// team-inherited grant lookup.
	ListTeamIDsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

type RepositoryImpl struct {
	logger *slog.Logger
	pgpool db.Querier
}

func NewRepositoryImpl(pool db.Querier, logger *slog.Logger) *RepositoryImpl {
	return &RepositoryImpl{
		logger: logger,
		pgpool: pool,
	}
}

func (r *RepositoryImpl) CreateTeam(ctx context.Context, ownerID uuid.UUID, params types.CreateTeamParams) (*types.Team, error) {
	ctx, span := otel.Tracer("TeamRepo").Start(ctx, "CreateTeam", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "teams"),
		attribute.String("db.user.id", ownerID.String()),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "CreateTeam"), slog.String("ownerID", ownerID.String()))
	l.DebugContext(ctx, "Creating team", slog.String("name", params.Name))

	tx, err := r.pgpool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Begin transaction failed")
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			r.logger.ErrorContext(ctx, "Failed to rollback transaction", slog.Any("error", rollbackErr))
		}
	}()

	team := &types.Team{
		ID:          uuid.New(),
		Name:        params.Name,
		Description: params.Description,
		OwnerID:     ownerID,
		CreatedAt:   time.Now(),
	}

	insertTeam := `
        INSERT INTO teams (id, name, description, owner_id, created_at)
        VALUES ($1, $2, $3, $4, $5)`
	if _, err = tx.Exec(ctx, insertTeam, team.ID, team.Name, team.Description, team.OwnerID, team.CreatedAt); err != nil {
		l.ErrorContext(ctx, "Failed to insert team", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB INSERT failed")
		return nil, fmt.Errorf("database error creating team: %w", err)
	}

	// Creator is the registered owner; the OWNER row is part of team
	// creation, not a separate AddMember call.
	insertOwner := `
        INSERT INTO team_memberships (team_id, user_id, role, joined_at)
        VALUES ($1, $2, $3, $4)`
	if _, err = tx.Exec(ctx, insertOwner, team.ID, ownerID, types.TeamRoleOwner, team.CreatedAt); err != nil {
		l.ErrorContext(ctx, "Failed to insert owner membership", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB INSERT failed")
		return nil, fmt.Errorf("database error enrolling team owner: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Commit transaction failed")
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	l.InfoContext(ctx, "Team created", slog.String("teamID", team.ID.String()))
	span.SetStatus(codes.Ok, "Team created")
	return team, nil
}

func (r *RepositoryImpl) GetTeam(ctx context.Context, teamID uuid.UUID) (*types.Team, error) {
	ctx, span := otel.Tracer("TeamRepo").Start(ctx, "GetTeam", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "teams"),
		attribute.String("db.team.id", teamID.String()),
	))
	defer span.End()

	query := `
        SELECT id, name, description, owner_id, created_at, updated_at
        FROM teams
        WHERE id = $1`

	var t types.Team
	err := r.pgpool.QueryRow(ctx, query, teamID).Scan(
		&t.ID,
		&t.Name,
		&t.Description,
		&t.OwnerID,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "Team not found")
			return nil, fmt.Errorf("team %s: %w", teamID, types.ErrNotFound)
		}
		r.logger.ErrorContext(ctx, "Failed to fetch team", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching team: %w", err)
	}

	span.SetStatus(codes.Ok, "Team fetched")
	return &t, nil
}

func (r *RepositoryImpl) GetMembership(ctx context.Context, teamID, userID uuid.UUID) (*types.TeamMembership, error) {
	ctx, span := otel.Tracer("TeamRepo").Start(ctx, "GetMembership", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "team_memberships"),
		attribute.String("db.team.id", teamID.String()),
		attribute.String("db.user.id", userID.String()),
	))
	defer span.End()

	query := `
        SELECT team_id, user_id, role, joined_at
        FROM team_memberships
        WHERE team_id = $1 AND user_id = $2`

	var m types.TeamMembership
	err := r.pgpool.QueryRow(ctx, query, teamID, userID).Scan(
		&m.TeamID,
		&m.UserID,
		&m.Role,
		&m.JoinedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "Membership not found")
			return nil, fmt.Errorf("membership for user %s in team %s: %w", userID, teamID, types.ErrNotFound)
		}
		r.logger.ErrorContext(ctx, "Failed to fetch membership", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching membership: %w", err)
	}

	span.SetStatus(codes.Ok, "Membership fetched")
	return &m, nil
}

func (r *RepositoryImpl) AddMember(ctx context.Context, teamID, userID uuid.UUID, role types.TeamRole) (*types.TeamMembership, error) {
	ctx, span := otel.Tracer("TeamRepo").Start(ctx, "AddMember", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "team_memberships"),
		attribute.String("db.team.id", teamID.String()),
		attribute.String("db.user.id", userID.String()),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "AddMember"), slog.String("teamID", teamID.String()), slog.String("userID", userID.String()))
	l.DebugContext(ctx, "Adding team member", slog.String("role", string(role)))

	m := &types.TeamMembership{
		TeamID:   teamID,
		UserID:   userID,
		Role:     role,
		JoinedAt: time.Now(),
	}

	query := `
        INSERT INTO team_memberships (team_id, user_id, role, joined_at)
        VALUES ($1, $2, $3, $4)`

	if _, err := r.pgpool.Exec(ctx, query, m.TeamID, m.UserID, m.Role, m.JoinedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			span.SetStatus(codes.Error, "Membership already exists")
			return nil, fmt.Errorf("user %s already in team %s: %w", userID, teamID, types.ErrConflict)
		}
		l.ErrorContext(ctx, "Failed to insert membership", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB INSERT failed")
		return nil, fmt.Errorf("database error adding team member: %w", err)
	}

	l.InfoContext(ctx, "Team member added")
	span.SetStatus(codes.Ok, "Member added")
	return m, nil
}

func (r *RepositoryImpl) UpdateMemberRole(ctx context.Context, teamID, userID uuid.UUID, role types.TeamRole) error {
	ctx, span := otel.Tracer("TeamRepo").Start(ctx, "UpdateMemberRole", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "team_memberships"),
		attribute.String("db.team.id", teamID.String()),
		attribute.String("db.user.id", userID.String()),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "UpdateMemberRole"), slog.String("teamID", teamID.String()), slog.String("userID", userID.String()))

	query := `
        UPDATE team_memberships
        SET role = $1
        WHERE team_id = $2 AND user_id = $3`

	cmd, err := r.pgpool.Exec(ctx, query, role, teamID, userID)
	if err != nil {
		l.ErrorContext(ctx, "Failed to update member role", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPDATE failed")
		return fmt.Errorf("database error updating member role: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "Membership not found")
		return fmt.Errorf("membership for user %s in team %s: %w", userID, teamID, types.ErrNotFound)
	}

	l.InfoContext(ctx, "Member role updated", slog.String("role", string(role)))
	span.SetStatus(codes.Ok, "Role updated")
	return nil
}

func (r *RepositoryImpl) RemoveMember(ctx context.Context, teamID, userID uuid.UUID) error {
	ctx, span := otel.Tracer("TeamRepo").Start(ctx, "RemoveMember", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "DELETE"),
		attribute.String("db.sql.table", "team_memberships"),
		attribute.String("db.team.id", teamID.String()),
		attribute.String("db.user.id", userID.String()),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "RemoveMember"), slog.String("teamID", teamID.String()), slog.String("userID", userID.String()))

	query := `
        DELETE FROM team_memberships
        WHERE team_id = $1 AND user_id = $2`

	cmd, err := r.pgpool.Exec(ctx, query, teamID, userID)
	if err != nil {
		l.ErrorContext(ctx, "Failed to delete membership", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB DELETE failed")
		return fmt.Errorf("database error removing team member: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "Membership not found")
		return fmt.Errorf("membership for user %s in team %s: %w", userID, teamID, types.ErrNotFound)
	}

	l.InfoContext(ctx, "Team member removed")
	span.SetStatus(codes.Ok, "Member removed")
	return nil
}

func (r *RepositoryImpl) ListMembers(ctx context.Context, teamID uuid.UUID) ([]*types.TeamMembership, error) {
	ctx, span := otel.Tracer("TeamRepo").Start(ctx, "ListMembers", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "team_memberships"),
		attribute.String("db.team.id", teamID.String()),
	))
	defer span.End()

	query := `
        SELECT team_id, user_id, role, joined_at
        FROM team_memberships
        WHERE team_id = $1
        ORDER BY joined_at`

	rows, err := r.pgpool.Query(ctx, query, teamID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query team members", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error listing team members: %w", err)
	}
	defer rows.Close()

	var members []*types.TeamMembership
	for rows.Next() {
		var m types.TeamMembership
		if err := rows.Scan(&m.TeamID, &m.UserID, &m.Role, &m.JoinedAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("database error scanning membership: %w", err)
		}
		members = append(members, &m)
	}
	if err = rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("database error reading memberships: %w", err)
	}

	span.SetStatus(codes.Ok, "Members listed")
	return members, nil
}

func (r *RepositoryImpl) ListTeamIDsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	ctx, span := otel.Tracer("TeamRepo").Start(ctx, "ListTeamIDsForUser", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "team_memberships"),
		attribute.String("db.user.id", userID.String()),
	))
	defer span.End()

	query := `
        SELECT team_id
        FROM team_memberships
        WHERE user_id = $1`

	rows, err := r.pgpool.Query(ctx, query, userID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query user team ids", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error listing user teams: %w", err)
	}
	defer rows.Close()

	var teamIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("database error scanning team id: %w", err)
		}
		teamIDs = append(teamIDs, id)
	}
	if err = rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("database error reading team ids: %w", err)
	}

	span.SetStatus(codes.Ok, "Team ids listed")
	return teamIDs, nil
}
