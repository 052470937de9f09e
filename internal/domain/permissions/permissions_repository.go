package permissions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
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

// Repository is the permission grant store. Uniqueness per
// (resource, principal) is enforced by partial unique indexes, so the
// existence check and the insert are one serializable unit: two
// concurrent grants for the same key yield one success and one
// ErrDuplicateGrant.
type Repository interface {
	// CreateGrant inserts one grant. Duplicate (resource, principal)
	// pairs fail with ErrDuplicateGrant.
	CreateGrant(ctx context.Context, grant *types.PermissionGrant) error

	// DeleteGrant removes the single grant matching the resource and
	// principal. ErrNotFound when no such grant exists.
	DeleteGrant(ctx context.Context, resourceType types.ResourceType, resourceID uuid.UUID, userID, teamID *uuid.UUID) error

	// DeleteGrantsForResource removes every grant on a resource. Used by
	// the resource-deletion cascade.
	DeleteGrantsForResource(ctx context.Context, resourceType types.ResourceType, resourceID uuid.UUID) error

	// ListGrantsForResource returns all grants on a resource.
	ListGrantsForResource(ctx context.Context, resourceType types.ResourceType, resourceID uuid.UUID) ([]*types.PermissionGrant, error)

	// ListGrantsForPrincipals returns the grants on a resource held by
	// the user directly or by any of the given teams. The two-step
	// lookup (team ids first, grants second) keeps the resolver
	// storage-agnostic.
	ListGrantsForPrincipals(ctx context.Context, resourceType types.ResourceType, resourceID, userID uuid.UUID, teamIDs []uuid.UUID) ([]*types.PermissionGrant, error)
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

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

func (r *RepositoryImpl) CreateGrant(ctx context.Context, grant *types.PermissionGrant) error {
	ctx, span := otel.Tracer("PermissionRepo").Start(ctx, "CreateGrant", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "permission_grants"),
		attribute.String("resource.type", string(grant.ResourceType)),
		attribute.String("resource.id", grant.ResourceID.String()),
	))
	defer span.End()

	l := r.logger.With(
		slog.String("method", "CreateGrant"),
		slog.String("resourceType", string(grant.ResourceType)),
		slog.String("resourceID", grant.ResourceID.String()),
	)
	l.DebugContext(ctx, "Inserting permission grant", slog.String("level", string(grant.Level)))

	query := `
        INSERT INTO permission_grants (id, resource_type, resource_id, user_id, team_id, level, granted_by, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pgpool.Exec(ctx, query,
		grant.ID,
		grant.ResourceType,
		grant.ResourceID,
		grant.UserID,
		grant.TeamID,
		grant.Level,
		grant.GrantedBy,
		grant.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			span.SetStatus(codes.Error, "Duplicate grant")
			return types.ErrDuplicateGrant
		}
		l.ErrorContext(ctx, "Failed to insert permission grant", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB INSERT failed")
		return fmt.Errorf("database error creating grant: %w", err)
	}

	l.InfoContext(ctx, "Permission grant created", slog.String("grantID", grant.ID.String()))
	span.SetStatus(codes.Ok, "Grant created")
	return nil
}

func (r *RepositoryImpl) DeleteGrant(ctx context.Context, resourceType types.ResourceType, resourceID uuid.UUID, userID, teamID *uuid.UUID) error {
	ctx, span := otel.Tracer("PermissionRepo").Start(ctx, "DeleteGrant", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "DELETE"),
		attribute.String("db.sql.table", "permission_grants"),
		attribute.String("resource.type", string(resourceType)),
		attribute.String("resource.id", resourceID.String()),
	))
	defer span.End()

	l := r.logger.With(
		slog.String("method", "DeleteGrant"),
		slog.String("resourceType", string(resourceType)),
		slog.String("resourceID", resourceID.String()),
	)

	builder := psql.Delete("permission_grants").
		Where(sq.Eq{"resource_type": resourceType, "resource_id": resourceID})
	switch {
	case userID != nil:
		builder = builder.Where(sq.Eq{"user_id": *userID})
	case teamID != nil:
		builder = builder.Where(sq.Eq{"team_id": *teamID})
	default:
		return fmt.Errorf("either user id or team id is required: %w", types.ErrBadRequest)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to build delete query: %w", err)
	}

	cmd, err := r.pgpool.Exec(ctx, query, args...)
	if err != nil {
		l.ErrorContext(ctx, "Failed to delete permission grant", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB DELETE failed")
		return fmt.Errorf("database error deleting grant: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "Grant not found")
		return fmt.Errorf("no matching grant on %s %s: %w", resourceType, resourceID, types.ErrNotFound)
	}

	l.InfoContext(ctx, "Permission grant deleted")
	span.SetStatus(codes.Ok, "Grant deleted")
	return nil
}

func (r *RepositoryImpl) DeleteGrantsForResource(ctx context.Context, resourceType types.ResourceType, resourceID uuid.UUID) error {
	ctx, span := otel.Tracer("PermissionRepo").Start(ctx, "DeleteGrantsForResource", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "DELETE"),
		attribute.String("db.sql.table", "permission_grants"),
		attribute.String("resource.type", string(resourceType)),
		attribute.String("resource.id", resourceID.String()),
	))
	defer span.End()

	query := `
        DELETE FROM permission_grants
        WHERE resource_type = $1 AND resource_id = $2`

	if _, err := r.pgpool.Exec(ctx, query, resourceType, resourceID); err != nil {
		r.logger.ErrorContext(ctx, "Failed to cascade-delete grants", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB DELETE failed")
		return fmt.Errorf("database error cascading grant delete: %w", err)
	}

	span.SetStatus(codes.Ok, "Grants deleted")
	return nil
}

func (r *RepositoryImpl) ListGrantsForResource(ctx context.Context, resourceType types.ResourceType, resourceID uuid.UUID) ([]*types.PermissionGrant, error) {
	ctx, span := otel.Tracer("PermissionRepo").Start(ctx, "ListGrantsForResource", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "permission_grants"),
		attribute.String("resource.type", string(resourceType)),
		attribute.String("resource.id", resourceID.String()),
	))
	defer span.End()

	builder := psql.Select("id", "resource_type", "resource_id", "user_id", "team_id", "level", "granted_by", "created_at").
		From("permission_grants").
		Where(sq.Eq{"resource_type": resourceType, "resource_id": resourceID}).
		OrderBy("created_at")

	return r.queryGrants(ctx, span, builder)
}

func (r *RepositoryImpl) ListGrantsForPrincipals(ctx context.Context, resourceType types.ResourceType, resourceID, userID uuid.UUID, teamIDs []uuid.UUID) ([]*types.PermissionGrant, error) {
	ctx, span := otel.Tracer("PermissionRepo").Start(ctx, "ListGrantsForPrincipals", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "permission_grants"),
		attribute.String("resource.type", string(resourceType)),
		attribute.String("resource.id", resourceID.String()),
		attribute.String("db.user.id", userID.String()),
		attribute.Int("team.count", len(teamIDs)),
	))
	defer span.End()

	principal := sq.Or{sq.Eq{"user_id": userID}}
	if len(teamIDs) > 0 {
		principal = append(principal, sq.Eq{"team_id": teamIDs})
	}

	builder := psql.Select("id", "resource_type", "resource_id", "user_id", "team_id", "level", "granted_by", "created_at").
		From("permission_grants").
		Where(sq.Eq{"resource_type": resourceType, "resource_id": resourceID}).
		Where(principal)

	return r.queryGrants(ctx, span, builder)
}

func (r *RepositoryImpl) queryGrants(ctx context.Context, span trace.Span, builder sq.SelectBuilder) ([]*types.PermissionGrant, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to build grant query: %w", err)
	}

	rows, err := r.pgpool.Query(ctx, query, args...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		r.logger.ErrorContext(ctx, "Failed to query grants", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching grants: %w", err)
	}
	defer rows.Close()

	var grants []*types.PermissionGrant
	for rows.Next() {
		var g types.PermissionGrant
		if err := rows.Scan(
			&g.ID,
			&g.ResourceType,
			&g.ResourceID,
			&g.UserID,
			&g.TeamID,
			&g.Level,
			&g.GrantedBy,
			&g.CreatedAt,
		); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("database error scanning grant: %w", err)
		}
		grants = append(grants, &g)
	}
	if err = rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("database error reading grants: %w", err)
	}

	span.SetStatus(codes.Ok, "Grants fetched")
	return grants, nil
}
