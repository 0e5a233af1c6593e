package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"imageforge/internal/config"
	"imageforge/internal/models"

	"github.com/jmoiron/sqlx"
)

// Common database errors
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrInvalidInput  = errors.New("invalid input")
)

// Postgres represents the PostgreSQL database connection and operations
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres creates a new PostgreSQL database connection
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{db: db}, nil
}

// Close closes the database connection
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Migrate runs database migrations
func (p *Postgres) Migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS recipes (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			name VARCHAR(255) NOT NULL UNIQUE,
			base_image VARCHAR(255) NOT NULL,
			system_packages TEXT[] NOT NULL DEFAULT '{}',
			manifest_key TEXT NOT NULL,
			image_name VARCHAR(255) NOT NULL,
			launch_module VARCHAR(255) NOT NULL DEFAULT 'main:app',
			launch_host VARCHAR(255) NOT NULL DEFAULT '0.0.0.0',
			launch_port INTEGER NOT NULL DEFAULT 8000,
			launch_workers INTEGER NOT NULL DEFAULT 4,
			launch_reload BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recipes_name ON recipes(name)`,

		`CREATE TABLE IF NOT EXISTS builds (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			recipe_id UUID NOT NULL,
			status VARCHAR(50) NOT NULL DEFAULT 'queued',
			stage VARCHAR(50) NOT NULL DEFAULT 'resolve',
			image_tag VARCHAR(255),
			log_key TEXT,
			error_message TEXT,
			queued_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			started_at TIMESTAMP WITH TIME ZONE,
			finished_at TIMESTAMP WITH TIME ZONE,
			CONSTRAINT fk_build_recipe
				FOREIGN KEY(recipe_id)
				REFERENCES recipes(id)
				ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_builds_recipe_id ON builds(recipe_id)`,
		`CREATE INDEX IF NOT EXISTS idx_builds_status ON builds(status)`,

		`CREATE TABLE IF NOT EXISTS services (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			recipe_id UUID NOT NULL,
			container_id TEXT NOT NULL,
			image_tag VARCHAR(255) NOT NULL,
			host VARCHAR(255) NOT NULL,
			port INTEGER NOT NULL,
			workers INTEGER NOT NULL,
			reload BOOLEAN NOT NULL DEFAULT FALSE,
			state VARCHAR(50) NOT NULL DEFAULT 'starting',
			started_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			stopped_at TIMESTAMP WITH TIME ZONE,
			CONSTRAINT fk_service_recipe
				FOREIGN KEY(recipe_id)
				REFERENCES recipes(id)
				ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_services_recipe_id ON services(recipe_id)`,
	}

	for _, query := range queries {
		if _, err := p.db.Exec(query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// CreateRecipe creates a new recipe in the database
func (p *Postgres) CreateRecipe(ctx context.Context, r *models.Recipe) error {
	query := `
		INSERT INTO recipes (
			name, base_image, system_packages, manifest_key, image_name,
			launch_module, launch_host, launch_port, launch_workers, launch_reload,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11
		) RETURNING id`

	now := time.Now().UTC()

	err := p.db.QueryRowContext(ctx, query,
		r.Name, r.BaseImage, pq.Array(r.SystemPackages), r.ManifestKey, r.ImageName,
		r.Launch.Module, r.Launch.Host, r.Launch.Port, r.Launch.Workers, r.Launch.Reload,
		now,
	).Scan(&r.ID)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			if pqErr.Code == "23505" { // unique_violation
				return ErrAlreadyExists
			}
		}
		return fmt.Errorf("failed to create recipe: %w", err)
	}

	r.CreatedAt = now
	r.UpdatedAt = now
	return nil
}

// GetRecipe retrieves a recipe by ID
func (p *Postgres) GetRecipe(ctx context.Context, id string) (*models.Recipe, error) {
	var r models.Recipe

	query := `
		SELECT id, name, base_image, system_packages, manifest_key, image_name,
			   launch_module, launch_host, launch_port, launch_workers, launch_reload,
			   created_at, updated_at
		FROM recipes
		WHERE id = $1`

	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&r.ID, &r.Name, &r.BaseImage, pq.Array(&r.SystemPackages), &r.ManifestKey, &r.ImageName,
		&r.Launch.Module, &r.Launch.Host, &r.Launch.Port, &r.Launch.Workers, &r.Launch.Reload,
		&r.CreatedAt, &r.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recipe: %w", err)
	}

	return &r, nil
}

// UpdateRecipe updates an existing recipe
func (p *Postgres) UpdateRecipe(ctx context.Context, r *models.Recipe) error {
	query := `
		UPDATE recipes
		SET name = $1, base_image = $2, system_packages = $3,
			launch_module = $4, launch_host = $5, launch_port = $6,
			launch_workers = $7, launch_reload = $8, updated_at = $9
		WHERE id = $10`

	now := time.Now().UTC()
	result, err := p.db.ExecContext(ctx, query,
		r.Name, r.BaseImage, pq.Array(r.SystemPackages),
		r.Launch.Module, r.Launch.Host, r.Launch.Port,
		r.Launch.Workers, r.Launch.Reload, now, r.ID,
	)

	if err != nil {
		return fmt.Errorf("failed to update recipe: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	r.UpdatedAt = now
	return nil
}

// DeleteRecipe deletes a recipe by ID
func (p *Postgres) DeleteRecipe(ctx context.Context, id string) error {
	query := `DELETE FROM recipes WHERE id = $1`

	result, err := p.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete recipe: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// ListRecipes retrieves all recipes with optional pagination
func (p *Postgres) ListRecipes(ctx context.Context, limit, offset int) ([]*models.Recipe, error) {
	query := `
		SELECT id, name, base_image, system_packages, manifest_key, image_name,
			   launch_module, launch_host, launch_port, launch_workers, launch_reload,
			   created_at, updated_at
		FROM recipes
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := p.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipes: %w", err)
	}
	defer rows.Close()

	var recipes []*models.Recipe
	for rows.Next() {
		var r models.Recipe

		err := rows.Scan(
			&r.ID, &r.Name, &r.BaseImage, pq.Array(&r.SystemPackages), &r.ManifestKey, &r.ImageName,
			&r.Launch.Module, &r.Launch.Host, &r.Launch.Port, &r.Launch.Workers, &r.Launch.Reload,
			&r.CreatedAt, &r.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recipe: %w", err)
		}

		recipes = append(recipes, &r)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recipes: %w", err)
	}

	return recipes, nil
}

// CountRecipes returns the total number of recipes
func (p *Postgres) CountRecipes(ctx context.Context) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM recipes`

	err := p.db.QueryRowContext(ctx, query).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count recipes: %w", err)
	}

	return count, nil
}

// CreateBuild creates a new build row
func (p *Postgres) CreateBuild(ctx context.Context, b *models.Build) error {
	query := `
		INSERT INTO builds (
			recipe_id, status, stage, image_tag, queued_at
		) VALUES (
			$1, $2, $3, $4, $5
		) RETURNING id`

	now := time.Now().UTC()
	if b.Status == "" {
		b.Status = models.BuildStatusQueued
	}
	if b.Stage == "" {
		b.Stage = models.StageResolve
	}

	err := p.db.QueryRowContext(ctx, query,
		b.RecipeID, b.Status, b.Stage, b.ImageTag, now,
	).Scan(&b.ID)

	if err != nil {
		return fmt.Errorf("failed to create build: %w", err)
	}

	b.QueuedAt = now
	return nil
}

// GetBuild retrieves a build by ID
func (p *Postgres) GetBuild(ctx context.Context, id string) (*models.Build, error) {
	var b models.Build

	query := `
		SELECT id, recipe_id, status, stage, image_tag, log_key, error_message,
			   queued_at, started_at, finished_at
		FROM builds
		WHERE id = $1`

	var imageTag sql.NullString
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&b.ID, &b.RecipeID, &b.Status, &b.Stage, &imageTag, &b.LogKey, &b.ErrorMessage,
		&b.QueuedAt, &b.StartedAt, &b.FinishedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get build: %w", err)
	}

	b.ImageTag = imageTag.String
	return &b, nil
}

// ListBuilds retrieves builds for a recipe, newest first
func (p *Postgres) ListBuilds(ctx context.Context, recipeID string, limit, offset int) ([]*models.Build, error) {
	query := `
		SELECT id, recipe_id, status, stage, image_tag, log_key, error_message,
			   queued_at, started_at, finished_at
		FROM builds
		WHERE recipe_id = $1
		ORDER BY queued_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := p.db.QueryContext(ctx, query, recipeID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}
	defer rows.Close()

	var builds []*models.Build
	for rows.Next() {
		var b models.Build
		var imageTag sql.NullString

		err := rows.Scan(
			&b.ID, &b.RecipeID, &b.Status, &b.Stage, &imageTag, &b.LogKey, &b.ErrorMessage,
			&b.QueuedAt, &b.StartedAt, &b.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build: %w", err)
		}

		b.ImageTag = imageTag.String
		builds = append(builds, &b)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating builds: %w", err)
	}

	return builds, nil
}

// GetLatestSuccessfulBuild returns the most recent succeeded build for a recipe
func (p *Postgres) GetLatestSuccessfulBuild(ctx context.Context, recipeID string) (*models.Build, error) {
	var b models.Build
	var imageTag sql.NullString

	query := `
		SELECT id, recipe_id, status, stage, image_tag, log_key, error_message,
			   queued_at, started_at, finished_at
		FROM builds
		WHERE recipe_id = $1 AND status = $2
		ORDER BY finished_at DESC
		LIMIT 1`

	err := p.db.QueryRowContext(ctx, query, recipeID, models.BuildStatusSucceeded).Scan(
		&b.ID, &b.RecipeID, &b.Status, &b.Stage, &imageTag, &b.LogKey, &b.ErrorMessage,
		&b.QueuedAt, &b.StartedAt, &b.FinishedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest successful build: %w", err)
	}

	b.ImageTag = imageTag.String
	return &b, nil
}

// MarkBuildStarted transitions a build to running and records the start time
func (p *Postgres) MarkBuildStarted(ctx context.Context, buildID string) error {
	query := `
		UPDATE builds
		SET status = $1, started_at = $2
		WHERE id = $3`

	result, err := p.db.ExecContext(ctx, query, models.BuildStatusRunning, time.Now().UTC(), buildID)
	if err != nil {
		return fmt.Errorf("failed to mark build started: %w", err)
	}

	return requireRow(result)
}

// UpdateBuildStage records the stage a build is currently executing
func (p *Postgres) UpdateBuildStage(ctx context.Context, buildID string, stage models.BuildStage) error {
	query := `
		UPDATE builds
		SET stage = $1
		WHERE id = $2`

	result, err := p.db.ExecContext(ctx, query, stage, buildID)
	if err != nil {
		return fmt.Errorf("failed to update build stage: %w", err)
	}

	return requireRow(result)
}

// FinishBuild records the terminal status of a build
func (p *Postgres) FinishBuild(ctx context.Context, b *models.Build) error {
	query := `
		UPDATE builds
		SET status = $1,
			stage = $2,
			image_tag = $3,
			log_key = $4,
			error_message = $5,
			finished_at = $6
		WHERE id = $7`

	now := time.Now().UTC()
	result, err := p.db.ExecContext(ctx, query,
		b.Status, b.Stage, b.ImageTag, b.LogKey, b.ErrorMessage, now, b.ID,
	)

	if err != nil {
		return fmt.Errorf("failed to finish build: %w", err)
	}

	b.FinishedAt = &now
	return requireRow(result)
}

// CreateService records a launched serving container
func (p *Postgres) CreateService(ctx context.Context, s *models.ServiceInstance) error {
	query := `
		INSERT INTO services (
			recipe_id, container_id, image_tag, host, port, workers, reload, state, started_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		) RETURNING id`

	now := time.Now().UTC()

	err := p.db.QueryRowContext(ctx, query,
		s.RecipeID, s.ContainerID, s.ImageTag, s.Host, s.Port, s.Workers, s.Reload, s.State, now,
	).Scan(&s.ID)

	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	s.StartedAt = now
	return nil
}

// GetService retrieves a service instance by ID
func (p *Postgres) GetService(ctx context.Context, id string) (*models.ServiceInstance, error) {
	var s models.ServiceInstance

	query := `
		SELECT id, recipe_id, container_id, image_tag, host, port, workers, reload,
			   state, started_at, stopped_at
		FROM services
		WHERE id = $1`

	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID, &s.RecipeID, &s.ContainerID, &s.ImageTag, &s.Host, &s.Port, &s.Workers, &s.Reload,
		&s.State, &s.StartedAt, &s.StoppedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service: %w", err)
	}

	return &s, nil
}

// MarkServiceServing records the launched container on a starting instance
// and transitions it to serving
func (p *Postgres) MarkServiceServing(ctx context.Context, id, containerID string) error {
	query := `
		UPDATE services
		SET state = $1, container_id = $2
		WHERE id = $3`

	result, err := p.db.ExecContext(ctx, query, models.ServiceStateServing, containerID, id)
	if err != nil {
		return fmt.Errorf("failed to mark service serving: %w", err)
	}

	return requireRow(result)
}

// UpdateServiceState transitions a service instance, stamping stopped_at on
// terminal states
func (p *Postgres) UpdateServiceState(ctx context.Context, id string, state models.ServiceState) error {
	var stoppedAt *time.Time
	if state == models.ServiceStateStopped || state == models.ServiceStateFailed {
		now := time.Now().UTC()
		stoppedAt = &now
	}

	query := `
		UPDATE services
		SET state = $1, stopped_at = COALESCE($2, stopped_at)
		WHERE id = $3`

	result, err := p.db.ExecContext(ctx, query, state, stoppedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update service state: %w", err)
	}

	return requireRow(result)
}

// ListServices retrieves service instances for a recipe
func (p *Postgres) ListServices(ctx context.Context, recipeID string, limit, offset int) ([]*models.ServiceInstance, error) {
	query := `
		SELECT id, recipe_id, container_id, image_tag, host, port, workers, reload,
			   state, started_at, stopped_at
		FROM services
		WHERE recipe_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := p.db.QueryContext(ctx, query, recipeID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	defer rows.Close()

	var services []*models.ServiceInstance
	for rows.Next() {
		var s models.ServiceInstance
		err := rows.Scan(
			&s.ID, &s.RecipeID, &s.ContainerID, &s.ImageTag, &s.Host, &s.Port, &s.Workers, &s.Reload,
			&s.State, &s.StartedAt, &s.StoppedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		services = append(services, &s)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating services: %w", err)
	}

	return services, nil
}

// Ping checks database connectivity
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func requireRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
