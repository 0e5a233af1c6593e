package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"strings"

	"imageforge/internal/db"
	"imageforge/internal/models"
	"imageforge/internal/runtime"
	"imageforge/internal/types"
	"imageforge/pkg/logger"

	"github.com/docker/docker/api/types/container"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var errAddrInUse = errors.New("bind: address already in use")

func testLogger() *logger.Logger {
	return logger.NewLogger(&logger.Config{Level: "disabled", Output: "stderr"})
}

// fakeHandlersDB implements the slice of DB the tests exercise; everything
// else panics through the embedded interface
type fakeHandlersDB struct {
	DB
	recipe          *models.Recipe
	build           *models.Build
	svc             *models.ServiceInstance
	createdState    models.ServiceState
	states          []models.ServiceState
	serving         [][2]string
	createRecipeErr error
}

func (f *fakeHandlersDB) GetRecipe(ctx context.Context, id string) (*models.Recipe, error) {
	if f.recipe == nil {
		return nil, db.ErrNotFound
	}
	return f.recipe, nil
}

func (f *fakeHandlersDB) CreateRecipe(ctx context.Context, r *models.Recipe) error {
	if f.createRecipeErr != nil {
		return f.createRecipeErr
	}
	r.ID = "recipe-1"
	return nil
}

func (f *fakeHandlersDB) GetLatestSuccessfulBuild(ctx context.Context, recipeID string) (*models.Build, error) {
	if f.build == nil {
		return nil, db.ErrNotFound
	}
	return f.build, nil
}

func (f *fakeHandlersDB) CreateService(ctx context.Context, s *models.ServiceInstance) error {
	s.ID = "svc-1"
	f.svc = s
	f.createdState = s.State
	return nil
}

func (f *fakeHandlersDB) GetService(ctx context.Context, id string) (*models.ServiceInstance, error) {
	if f.svc == nil {
		return nil, db.ErrNotFound
	}
	return f.svc, nil
}

func (f *fakeHandlersDB) MarkServiceServing(ctx context.Context, id, containerID string) error {
	f.serving = append(f.serving, [2]string{id, containerID})
	f.svc.ContainerID = containerID
	f.svc.State = models.ServiceStateServing
	return nil
}

func (f *fakeHandlersDB) UpdateServiceState(ctx context.Context, id string, state models.ServiceState) error {
	f.states = append(f.states, state)
	if f.svc != nil {
		f.svc.State = state
	}
	return nil
}

type fakeLauncher struct {
	startErr error
	started  []*runtime.LaunchOptions
	stopped  []string
	status   chan types.ContainerWaitResponse
	waitErr  chan error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		status:  make(chan types.ContainerWaitResponse, 1),
		waitErr: make(chan error, 1),
	}
}

func (f *fakeLauncher) StartService(ctx context.Context, opts *runtime.LaunchOptions) (string, error) {
	f.started = append(f.started, opts)
	if f.startErr != nil {
		return "", f.startErr
	}
	return "cid-1", nil
}

func (f *fakeLauncher) StopService(ctx context.Context, containerID string) error {
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeLauncher) ServiceLogs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeLauncher) ServiceWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan types.ContainerWaitResponse, <-chan error) {
	return f.status, f.waitErr
}

type fakeArtifactStore struct {
	uploaded []string
	deleted  []string
}

func (f *fakeArtifactStore) UploadFileFromMultipart(ctx context.Context, file *multipart.FileHeader, key string) (string, error) {
	f.uploaded = append(f.uploaded, key)
	return "s3://test-bucket/" + key, nil
}

func (f *fakeArtifactStore) DownloadFile(ctx context.Context, key string) ([]byte, error) {
	return nil, fmt.Errorf("object %s not found", key)
}

func (f *fakeArtifactStore) DeleteFile(ctx context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}
