package handlers

import (
	"context"
	"mime/multipart"

	"imageforge/internal/config"
	"imageforge/internal/models"
	"imageforge/internal/queue"
	"imageforge/internal/runtime"
	"imageforge/pkg/logger"
)

// DB interface definition
type DB interface {
	CreateRecipe(ctx context.Context, r *models.Recipe) error
	GetRecipe(ctx context.Context, id string) (*models.Recipe, error)
	ListRecipes(ctx context.Context, limit, offset int) ([]*models.Recipe, error)
	UpdateRecipe(ctx context.Context, r *models.Recipe) error
	DeleteRecipe(ctx context.Context, id string) error
	CountRecipes(ctx context.Context) (int64, error)
	CreateBuild(ctx context.Context, b *models.Build) error
	GetBuild(ctx context.Context, id string) (*models.Build, error)
	ListBuilds(ctx context.Context, recipeID string, limit, offset int) ([]*models.Build, error)
	GetLatestSuccessfulBuild(ctx context.Context, recipeID string) (*models.Build, error)
	CreateService(ctx context.Context, s *models.ServiceInstance) error
	GetService(ctx context.Context, id string) (*models.ServiceInstance, error)
	MarkServiceServing(ctx context.Context, id, containerID string) error
	UpdateServiceState(ctx context.Context, id string, state models.ServiceState) error
	ListServices(ctx context.Context, recipeID string, limit, offset int) ([]*models.ServiceInstance, error)
}

// ArtifactStore is the slice of the object store the handlers use: manifest
// upload and cleanup, build log retrieval
type ArtifactStore interface {
	UploadFileFromMultipart(ctx context.Context, file *multipart.FileHeader, key string) (string, error)
	DownloadFile(ctx context.Context, key string) ([]byte, error)
	DeleteFile(ctx context.Context, key string) error
}

// Queue interface definition
type Queue interface {
	EnqueueBuild(ctx context.Context, job *models.BuildJob) error
	GetQueueLength(ctx context.Context) (int64, error)
	GetDeadLetterMessages(ctx context.Context, limit int64) ([]*queue.QueueMessage, error)
	RetryDeadLetterMessage(ctx context.Context, buildID string) error
}

// Handlers contains the HTTP handlers for recipes, builds, and services
type Handlers struct {
	db       DB
	queue    Queue
	launcher runtime.ServiceRuntime
	logger   *logger.Logger
	config   *config.Config
	store    ArtifactStore
}

// NewHandlers creates a new Handlers instance
func NewHandlers(db DB, q Queue, launcher runtime.ServiceRuntime, logger *logger.Logger, config *config.Config, store ArtifactStore) *Handlers {
	return &Handlers{
		db:       db,
		queue:    q,
		launcher: launcher,
		logger:   logger,
		config:   config,
		store:    store,
	}
}
