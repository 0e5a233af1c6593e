package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"imageforge/internal/config"
	"imageforge/internal/manifest"
	"imageforge/internal/models"
	"imageforge/internal/queue"
	"imageforge/internal/runtime"
	"imageforge/pkg/logger"
)

type fakeStore struct {
	recipe       *models.Recipe
	stages       []models.BuildStage
	finished     *models.Build
	startErr     error
	markedStart  []string
	stageErr     error
	recipeLookup error
}

func (f *fakeStore) GetRecipe(ctx context.Context, id string) (*models.Recipe, error) {
	if f.recipeLookup != nil {
		return nil, f.recipeLookup
	}
	return f.recipe, nil
}

func (f *fakeStore) GetBuild(ctx context.Context, id string) (*models.Build, error) {
	return &models.Build{ID: id}, nil
}

func (f *fakeStore) MarkBuildStarted(ctx context.Context, buildID string) error {
	f.markedStart = append(f.markedStart, buildID)
	return f.startErr
}

func (f *fakeStore) UpdateBuildStage(ctx context.Context, buildID string, stage models.BuildStage) error {
	if f.stageErr != nil {
		return f.stageErr
	}
	f.stages = append(f.stages, stage)
	return nil
}

func (f *fakeStore) FinishBuild(ctx context.Context, b *models.Build) error {
	copied := *b
	f.finished = &copied
	return nil
}

type fakeQueue struct {
	requeued []*queue.QueueMessage
}

func (f *fakeQueue) DequeueBuild(ctx context.Context) (*queue.QueueMessage, error) {
	return nil, nil
}

func (f *fakeQueue) RequeueBuild(ctx context.Context, msg *queue.QueueMessage) error {
	f.requeued = append(f.requeued, msg)
	return nil
}

type fakeArtifacts struct {
	objects  map[string][]byte
	uploads  map[string][]byte
	download []string
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{
		objects: make(map[string][]byte),
		uploads: make(map[string][]byte),
	}
}

func (f *fakeArtifacts) DownloadFile(ctx context.Context, key string) ([]byte, error) {
	f.download = append(f.download, key)
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return data, nil
}

func (f *fakeArtifacts) UploadFile(ctx context.Context, key string, file io.Reader) error {
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(file); err != nil {
		return err
	}
	f.uploads[key] = buf.Bytes()
	return nil
}

type fakeBuilder struct {
	pulls    []string
	builds   []*runtime.BuildImageOptions
	pullErr  error
	buildErr error
	output   string
}

func (f *fakeBuilder) BuildImage(ctx context.Context, opts *runtime.BuildImageOptions) (*runtime.BuildResult, error) {
	f.builds = append(f.builds, opts)
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return &runtime.BuildResult{ImageTag: opts.ImageTag, Output: f.output}, nil
}

func (f *fakeBuilder) PullBaseImage(ctx context.Context, ref string) error {
	f.pulls = append(f.pulls, ref)
	return f.pullErr
}

func (f *fakeBuilder) RemoveImage(ctx context.Context, imageTag string) error { return nil }

func (f *fakeBuilder) Ping(ctx context.Context) error { return nil }

type fakePusher struct {
	pushed []string
	err    error
}

func (f *fakePusher) PushImage(ctx context.Context, imageTag string) (string, error) {
	f.pushed = append(f.pushed, imageTag)
	if f.err != nil {
		return "", f.err
	}
	return "registry.example.com/" + imageTag, nil
}

func testRecipe() *models.Recipe {
	return &models.Recipe{
		ID:             "recipe-1",
		Name:           "api",
		BaseImage:      "python:3.13-slim-bullseye",
		SystemPackages: []string{"curl", "git"},
		ManifestKey:    "manifests/recipe-1/requirements.txt",
		ImageName:      "api",
		Launch:         models.DefaultLaunchConfig(),
	}
}

func testPool(db Store, q BuildQueue, store ArtifactStore, builder runtime.ImageBuilder, pusher runtime.RegistryPusher) *WorkerPool {
	log := logger.NewLogger(&logger.Config{Level: "disabled", Output: "stderr"})
	cfg := &config.WorkerConfig{
		NumWorkers:        1,
		ProcessingTimeout: time.Minute,
		ShutdownTimeout:   time.Second,
	}
	return NewWorkerPool(cfg, db, q, store, builder, pusher, log)
}

func TestPipelineStageOrder(t *testing.T) {
	db := &fakeStore{recipe: testRecipe()}
	store := newFakeArtifacts()
	store.objects["manifests/recipe-1/requirements.txt"] = []byte("fastapi==0.110.0\n")
	builder := &fakeBuilder{output: "Step 1/5 : FROM python:3.13-slim-bullseye"}
	q := &fakeQueue{}

	pool := testPool(db, q, store, builder, nil)
	w := &Worker{id: 0, pool: pool, logger: pool.logger}

	w.processJob(&queue.QueueMessage{BuildID: "build-12345678", RecipeID: "recipe-1"})

	wantStages := []models.BuildStage{
		models.StageResolve,
		models.StageManifest,
		models.StageAssemble,
		models.StageBuild,
	}
	if len(db.stages) != len(wantStages) {
		t.Fatalf("expected %d stage transitions, got %d: %v", len(wantStages), len(db.stages), db.stages)
	}
	for i, stage := range wantStages {
		if db.stages[i] != stage {
			t.Errorf("stage %d = %s, want %s", i, db.stages[i], stage)
		}
	}

	if db.finished == nil {
		t.Fatal("build was never finished")
	}
	if db.finished.Status != models.BuildStatusSucceeded {
		t.Errorf("status = %s, want %s", db.finished.Status, models.BuildStatusSucceeded)
	}
	if db.finished.ImageTag != "api:build-12" {
		t.Errorf("image tag = %q, want %q", db.finished.ImageTag, "api:build-12")
	}

	if len(builder.pulls) != 1 || builder.pulls[0] != "python:3.13-slim-bullseye" {
		t.Errorf("pulls = %v, want base image pull", builder.pulls)
	}
	if len(builder.builds) != 1 {
		t.Fatalf("expected 1 build, got %d", len(builder.builds))
	}
	if builder.builds[0].ManifestName != manifest.DefaultFilename {
		t.Errorf("manifest name = %q, want %q", builder.builds[0].ManifestName, manifest.DefaultFilename)
	}
	if !strings.Contains(builder.builds[0].Dockerfile, "pip install -r requirements.txt") {
		t.Error("rendered Dockerfile missing pip install stage")
	}
}

func TestPipelineArchivesBuildLog(t *testing.T) {
	db := &fakeStore{recipe: testRecipe()}
	store := newFakeArtifacts()
	store.objects["manifests/recipe-1/requirements.txt"] = []byte("fastapi==0.110.0\n")
	builder := &fakeBuilder{output: "engine output"}

	pool := testPool(db, &fakeQueue{}, store, builder, nil)
	w := &Worker{id: 0, pool: pool, logger: pool.logger}

	w.processJob(&queue.QueueMessage{BuildID: "build-1", RecipeID: "recipe-1"})

	logKey := "builds/build-1/build.log"
	if got, ok := store.uploads[logKey]; !ok || string(got) != "engine output" {
		t.Errorf("build log not archived under %s", logKey)
	}
	if db.finished.LogKey == nil || *db.finished.LogKey != logKey {
		t.Errorf("build row missing log key")
	}
}

func TestMissingManifestFailsBeforeBuilder(t *testing.T) {
	db := &fakeStore{recipe: testRecipe()}
	store := newFakeArtifacts() // no manifest object
	builder := &fakeBuilder{}

	pool := testPool(db, &fakeQueue{}, store, builder, nil)
	w := &Worker{id: 0, pool: pool, logger: pool.logger}

	w.processJob(&queue.QueueMessage{BuildID: "build-2", RecipeID: "recipe-1"})

	if db.finished == nil || db.finished.Status != models.BuildStatusFailed {
		t.Fatal("expected build to fail")
	}
	if db.finished.Stage != models.StageManifest {
		t.Errorf("failing stage = %s, want %s", db.finished.Stage, models.StageManifest)
	}
	if len(builder.pulls) != 0 || len(builder.builds) != 0 {
		t.Errorf("builder was touched despite missing manifest: pulls=%v builds=%d",
			builder.pulls, len(builder.builds))
	}
}

func TestEmptyManifestFailsBeforeBuilder(t *testing.T) {
	db := &fakeStore{recipe: testRecipe()}
	store := newFakeArtifacts()
	store.objects["manifests/recipe-1/requirements.txt"] = []byte("# comments only\n\n")
	builder := &fakeBuilder{}

	pool := testPool(db, &fakeQueue{}, store, builder, nil)
	w := &Worker{id: 0, pool: pool, logger: pool.logger}

	w.processJob(&queue.QueueMessage{BuildID: "build-3", RecipeID: "recipe-1"})

	if db.finished == nil || db.finished.Status != models.BuildStatusFailed {
		t.Fatal("expected build to fail")
	}
	if db.finished.ErrorMessage == nil {
		t.Fatal("failed build has no error message")
	}
	if !strings.Contains(*db.finished.ErrorMessage, manifest.ErrEmpty.Error()) {
		t.Errorf("error message %q does not mention empty manifest", *db.finished.ErrorMessage)
	}
	if len(builder.builds) != 0 {
		t.Error("builder ran despite empty manifest")
	}
}

func TestPushStageRuns(t *testing.T) {
	db := &fakeStore{recipe: testRecipe()}
	store := newFakeArtifacts()
	store.objects["manifests/recipe-1/requirements.txt"] = []byte("fastapi==0.110.0\n")
	builder := &fakeBuilder{}
	pusher := &fakePusher{}

	pool := testPool(db, &fakeQueue{}, store, builder, pusher)
	w := &Worker{id: 0, pool: pool, logger: pool.logger}

	w.processJob(&queue.QueueMessage{BuildID: "build-4", RecipeID: "recipe-1"})

	if len(pusher.pushed) != 1 {
		t.Fatalf("expected 1 push, got %d", len(pusher.pushed))
	}
	if db.finished.Stage != models.StagePush {
		t.Errorf("final stage = %s, want %s", db.finished.Stage, models.StagePush)
	}
	if !strings.HasPrefix(db.finished.ImageTag, "registry.example.com/") {
		t.Errorf("image tag %q not rewritten to remote ref", db.finished.ImageTag)
	}
}

func TestPushFailureFailsBuild(t *testing.T) {
	db := &fakeStore{recipe: testRecipe()}
	store := newFakeArtifacts()
	store.objects["manifests/recipe-1/requirements.txt"] = []byte("fastapi==0.110.0\n")
	pusher := &fakePusher{err: errors.New("registry unavailable")}

	pool := testPool(db, &fakeQueue{}, store, &fakeBuilder{}, pusher)
	w := &Worker{id: 0, pool: pool, logger: pool.logger}

	w.processJob(&queue.QueueMessage{BuildID: "build-5", RecipeID: "recipe-1"})

	if db.finished.Status != models.BuildStatusFailed {
		t.Errorf("status = %s, want failed", db.finished.Status)
	}
	if db.finished.Stage != models.StagePush {
		t.Errorf("failing stage = %s, want %s", db.finished.Stage, models.StagePush)
	}
}

func TestUnreachableBuildRowRequeues(t *testing.T) {
	db := &fakeStore{recipe: testRecipe(), startErr: errors.New("connection refused")}
	q := &fakeQueue{}

	pool := testPool(db, q, newFakeArtifacts(), &fakeBuilder{}, nil)
	w := &Worker{id: 0, pool: pool, logger: pool.logger}

	msg := &queue.QueueMessage{BuildID: "build-6", RecipeID: "recipe-1"}
	w.processJob(msg)

	if len(q.requeued) != 1 {
		t.Fatalf("expected job to be requeued, got %d requeues", len(q.requeued))
	}
	if db.finished != nil {
		t.Error("build should not reach a terminal state when never started")
	}
}

func TestMetricsCountTerminalBuilds(t *testing.T) {
	db := &fakeStore{recipe: testRecipe()}
	store := newFakeArtifacts()
	store.objects["manifests/recipe-1/requirements.txt"] = []byte("fastapi==0.110.0\n")

	pool := testPool(db, &fakeQueue{}, store, &fakeBuilder{}, nil)
	w := &Worker{id: 0, pool: pool, logger: pool.logger}

	w.processJob(&queue.QueueMessage{BuildID: "build-8", RecipeID: "recipe-1"})

	// Without the manifest object the next job fails
	delete(store.objects, "manifests/recipe-1/requirements.txt")
	w.processJob(&queue.QueueMessage{BuildID: "build-9", RecipeID: "recipe-1"})

	active, completed, failed := pool.GetMetrics().Snapshot()
	if active != 0 {
		t.Errorf("active workers = %d, want 0 after both jobs finished", active)
	}
	if completed != 1 {
		t.Errorf("completed builds = %d, want 1", completed)
	}
	if failed != 1 {
		t.Errorf("failed builds = %d, want 1", failed)
	}
}

func TestPullFailureFailsInBuildStage(t *testing.T) {
	db := &fakeStore{recipe: testRecipe()}
	store := newFakeArtifacts()
	store.objects["manifests/recipe-1/requirements.txt"] = []byte("fastapi==0.110.0\n")
	builder := &fakeBuilder{pullErr: errors.New("registry timeout")}

	pool := testPool(db, &fakeQueue{}, store, builder, nil)
	w := &Worker{id: 0, pool: pool, logger: pool.logger}

	w.processJob(&queue.QueueMessage{BuildID: "build-7", RecipeID: "recipe-1"})

	if db.finished.Status != models.BuildStatusFailed {
		t.Fatalf("status = %s, want failed", db.finished.Status)
	}
	if db.finished.Stage != models.StageBuild {
		t.Errorf("failing stage = %s, want %s", db.finished.Stage, models.StageBuild)
	}
	if len(builder.builds) != 0 {
		t.Error("engine build ran despite pull failure")
	}
}
