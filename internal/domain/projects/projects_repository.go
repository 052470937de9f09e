package projects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskforge/taskforge-api/internal/types"
	"github.com/taskforge/taskforge-api/pkg/db"
)

var _ Repository = (*RepositoryImpl)(nil)

// Repository exposes the read-only project/task/user lookups the
// permission resolver and display enrichment depend on. Entity CRUD
// lives outside this core.
type Repository interface {
	// GetProject returns a project's authorization-relevant fields.
	GetProject(ctx context.Context, projectID uuid.UUID) (*types.Project, error)

	// GetTask returns a task with its parent project id.
	GetTask(ctx context.Context, taskID uuid.UUID) (*types.Task, error)

	// GetUser returns a user reference for existence checks and display.
	GetUser(ctx context.Context, userID uuid.UUID) (*types.UserRef, error)
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

func (r *RepositoryImpl) GetProject(ctx context.Context, projectID uuid.UUID) (*types.Project, error) {
	ctx, span := otel.Tracer("ProjectRepo").Start(ctx, "GetProject", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "projects"),
		attribute.String("db.project.id", projectID.String()),
	))
	defer span.End()

	query := `
        SELECT id, name, owner_id, created_at
        FROM projects
        WHERE id = $1`

	var p types.Project
	err := r.pgpool.QueryRow(ctx, query, projectID).Scan(
		&p.ID,
		&p.Name,
		&p.OwnerID,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "Project not found")
			return nil, fmt.Errorf("project %s: %w", projectID, types.ErrNotFound)
		}
		r.logger.ErrorContext(ctx, "Failed to fetch project", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching project: %w", err)
	}

	span.SetStatus(codes.Ok, "Project fetched")
	return &p, nil
}

func (r *RepositoryImpl) GetTask(ctx context.Context, taskID uuid.UUID) (*types.Task, error) {
	ctx, span := otel.Tracer("ProjectRepo").Start(ctx, "GetTask", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "tasks"),
		attribute.String("db.task.id", taskID.String()),
	))
	defer span.End()

	query := `
        SELECT id, project_id, title, assignee_id, created_at
        FROM tasks
        WHERE id = $1`

	var t types.Task
	err := r.pgpool.QueryRow(ctx, query, taskID).Scan(
		&t.ID,
		&t.ProjectID,
		&t.Title,
		&t.AssigneeID,
		&t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "Task not found")
			return nil, fmt.Errorf("task %s: %w", taskID, types.ErrNotFound)
		}
		r.logger.ErrorContext(ctx, "Failed to fetch task", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching task: %w", err)
	}

	span.SetStatus(codes.Ok, "Task fetched")
	return &t, nil
}

func (r *RepositoryImpl) GetUser(ctx context.Context, userID uuid.UUID) (*types.UserRef, error) {
	ctx, span := otel.Tracer("ProjectRepo").Start(ctx, "GetUser", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "users"),
		attribute.String("db.user.id", userID.String()),
	))
	defer span.End()

	query := `
        SELECT id, email, display_name
        FROM users
        WHERE id = $1`

	var u types.UserRef
	err := r.pgpool.QueryRow(ctx, query, userID).Scan(
		&u.ID,
		&u.Email,
		&u.DisplayName,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "User not found")
			return nil, fmt.Errorf("user %s: %w", userID, types.ErrNotFound)
		}
		r.logger.ErrorContext(ctx, "Failed to fetch user", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching user: %w", err)
	}

	span.SetStatus(codes.Ok, "User fetched")
	return &u, nil
}
