package worker

import (
	"context"
	"io"

	"imageforge/internal/models"
	"imageforge/internal/queue"
)

// Store is the slice of the database the pipeline needs
type Store interface {
	GetRecipe(ctx context.Context, id string) (*models.Recipe, error)
	GetBuild(ctx context.Context, id string) (*models.Build, error)
	MarkBuildStarted(ctx context.Context, buildID string) error
	UpdateBuildStage(ctx context.Context, buildID string, stage models.BuildStage) error
	FinishBuild(ctx context.Context, b *models.Build) error
}

// BuildQueue is the slice of the Redis queue the pool drains
type BuildQueue interface {
	DequeueBuild(ctx context.Context) (*queue.QueueMessage, error)
	RequeueBuild(ctx context.Context, msg *queue.QueueMessage) error
}

// ArtifactStore stages manifests and archives build logs
type ArtifactStore interface {
	DownloadFile(ctx context.Context, key string) ([]byte, error)
	UploadFile(ctx context.Context, key string, file io.Reader) error
}
