package worker

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"imageforge/internal/config"
	"imageforge/internal/dockerfile"
	"imageforge/internal/manifest"
	"imageforge/internal/models"
	"imageforge/internal/queue"
	"imageforge/internal/runtime"
	"imageforge/pkg/logger"
)

// WorkerPool drains the build queue and runs the staged pipeline for each
// job. Builds run concurrently across workers; stages within one build are
// strictly sequential.
type WorkerPool struct {
	workers []*Worker
	db      Store
	queue   BuildQueue
	store   ArtifactStore
	builder runtime.ImageBuilder
	pusher  runtime.RegistryPusher // nil when pushing is disabled
	logger  *logger.Logger
	config  *config.WorkerConfig
	metrics *WorkerMetrics
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// Worker is a single pipeline executor in the pool
type Worker struct {
	id     int
	pool   *WorkerPool
	logger *logger.Logger
}

// WorkerMetrics tracks pool statistics
type WorkerMetrics struct {
	mu            sync.RWMutex
	activeWorkers int
	completedJobs uint64
	failedJobs    uint64
}

// NewWorkerPool creates a worker pool over the given stores and builder
func NewWorkerPool(cfg *config.WorkerConfig, db Store, q BuildQueue, store ArtifactStore, builder runtime.ImageBuilder, pusher runtime.RegistryPusher, logger *logger.Logger) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		db:      db,
		queue:   q,
		store:   store,
		builder: builder,
		pusher:  pusher,
		logger:  logger,
		config:  cfg,
		ctx:     ctx,
		cancel:  cancel,
		metrics: &WorkerMetrics{},
	}
}

// Start launches the workers
func (p *WorkerPool) Start() error {
	p.logger.Info().Msgf("Starting worker pool with %d workers", p.config.NumWorkers)

	for i := 0; i < p.config.NumWorkers; i++ {
		worker := &Worker{
			id:     i,
			pool:   p,
			logger: p.logger.WithField("worker_id", i),
		}
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go worker.start()
	}

	return nil
}

// Stop gracefully shuts down the worker pool
func (p *WorkerPool) Stop() error {
	p.logger.Info().Msg("Shutting down worker pool...")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info().Msg("Worker pool shutdown completed")
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		return fmt.Errorf("worker pool shutdown timed out")
	}
}

// GetMetrics returns current worker pool metrics
func (p *WorkerPool) GetMetrics() *WorkerMetrics {
	return p.metrics
}

func (w *Worker) start() {
	defer w.pool.wg.Done()

	w.logger.Debug().Msg("Worker started")

	for {
		select {
		case <-w.pool.ctx.Done():
			w.logger.Debug().Msg("Worker shutting down")
			return
		default:
		}

		msg, err := w.pool.queue.DequeueBuild(w.pool.ctx)
		if err != nil {
			if w.pool.ctx.Err() != nil {
				return
			}
			w.logger.Error().Err(err).Msg("Failed to dequeue build")
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue // queue timeout, poll again
		}

		w.processJob(msg)
	}
}

func (w *Worker) processJob(msg *queue.QueueMessage) {
	log := w.logger.WithBuildID(msg.BuildID).WithRecipeID(msg.RecipeID)

	log.Info().
		Str("request_id", msg.RequestID).
		Int("retry_count", msg.RetryCount).
		Msg("Processing build")

	w.pool.metrics.incrementActiveWorkers()
	defer w.pool.metrics.decrementActiveWorkers()

	ctx, cancel := context.WithTimeout(w.pool.ctx, w.pool.config.ProcessingTimeout)
	defer cancel()

	if err := w.pool.db.MarkBuildStarted(ctx, msg.BuildID); err != nil {
		// The build row is unreachable; hand the job back to the queue
		log.Error().Err(err).Msg("Failed to mark build started, requeueing")
		if rqErr := w.pool.queue.RequeueBuild(ctx, msg); rqErr != nil {
			log.Error().Err(rqErr).Msg("Failed to requeue build")
		}
		return
	}

	build := &models.Build{
		ID:       msg.BuildID,
		RecipeID: msg.RecipeID,
		Status:   models.BuildStatusRunning,
		Stage:    models.StageResolve,
	}

	if err := w.runPipeline(ctx, build, log); err != nil {
		w.finishBuild(ctx, build, models.BuildStatusFailed, err, log)
		w.pool.metrics.incrementFailed()
		return
	}

	w.finishBuild(ctx, build, models.BuildStatusSucceeded, nil, log)
	w.pool.metrics.incrementCompleted()
}

// runPipeline executes the build stages in order, recording each stage
// transition. The failing stage stays recorded on the build row.
func (w *Worker) runPipeline(ctx context.Context, build *models.Build, log *logger.Logger) error {
	// resolving: load and validate the recipe
	if err := w.setStage(ctx, build, models.StageResolve); err != nil {
		return err
	}

	recipe, err := w.pool.db.GetRecipe(ctx, build.RecipeID)
	if err != nil {
		return fmt.Errorf("failed to load recipe: %w", err)
	}
	if err := recipe.Validate(); err != nil {
		return fmt.Errorf("recipe validation failed: %w", err)
	}

	// manifest: the manifest must exist and be non-empty before the
	// builder is touched at all
	if err := w.setStage(ctx, build, models.StageManifest); err != nil {
		return err
	}

	manifestData, err := w.pool.store.DownloadFile(ctx, recipe.ManifestKey)
	if err != nil {
		return fmt.Errorf("dependency manifest %s is not available: %w", recipe.ManifestKey, err)
	}
	parsed, err := manifest.Parse(manifestData)
	if err != nil {
		return fmt.Errorf("dependency manifest %s is unusable: %w", recipe.ManifestKey, err)
	}

	log.Debug().
		Int("requirements", len(parsed.Requirements)).
		Msg("Manifest staged")

	// assembling: render the Dockerfile
	if err := w.setStage(ctx, build, models.StageAssemble); err != nil {
		return err
	}

	rendered, err := dockerfile.Generate(recipe)
	if err != nil {
		return fmt.Errorf("failed to render Dockerfile: %w", err)
	}

	// building: pull the base floor layer, then run the engine build
	if err := w.setStage(ctx, build, models.StageBuild); err != nil {
		return err
	}

	if err := w.pool.builder.PullBaseImage(ctx, recipe.BaseImage); err != nil {
		return err
	}

	imageTag := fmt.Sprintf("%s:%s", recipe.ImageName, shortID(build.ID))
	result, err := w.pool.builder.BuildImage(ctx, &runtime.BuildImageOptions{
		ImageTag:     imageTag,
		BaseImage:    recipe.BaseImage,
		Dockerfile:   rendered,
		ManifestName: manifest.DefaultFilename,
		Manifest:     manifestData,
	})
	if err != nil {
		return err
	}

	build.ImageTag = result.ImageTag
	w.archiveBuildLog(ctx, build, result.Output, log)

	// pushing: optional, only when a registry is configured
	if w.pool.pusher != nil {
		if err := w.setStage(ctx, build, models.StagePush); err != nil {
			return err
		}

		remoteRef, err := w.pool.pusher.PushImage(ctx, result.ImageTag)
		if err != nil {
			return fmt.Errorf("failed to push image: %w", err)
		}
		build.ImageTag = remoteRef
	}

	return nil
}

func (w *Worker) setStage(ctx context.Context, build *models.Build, stage models.BuildStage) error {
	build.Stage = stage
	if err := w.pool.db.UpdateBuildStage(ctx, build.ID, stage); err != nil {
		return fmt.Errorf("failed to record build stage %s: %w", stage, err)
	}
	return nil
}

// archiveBuildLog stores the engine output in S3. Log archival failure
// never fails the build.
func (w *Worker) archiveBuildLog(ctx context.Context, build *models.Build, output string, log *logger.Logger) {
	if output == "" {
		return
	}

	key := fmt.Sprintf("builds/%s/build.log", build.ID)
	if err := w.pool.store.UploadFile(ctx, key, bytes.NewReader([]byte(output))); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to archive build log")
		return
	}
	build.LogKey = &key
}

func (w *Worker) finishBuild(ctx context.Context, build *models.Build, status models.BuildStatus, buildErr error, log *logger.Logger) {
	build.Status = status
	if buildErr != nil {
		msg := buildErr.Error()
		build.ErrorMessage = &msg
		log.Error().
			Err(buildErr).
			Str("stage", string(build.Stage)).
			Msg("Build failed")
	} else {
		log.Info().
			Str("image_tag", build.ImageTag).
			Msg("Build succeeded")
	}

	// Use a fresh context so a timed-out pipeline can still record its fate
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	if err := w.pool.db.FinishBuild(ctx, build); err != nil {
		log.Error().Err(err).Msg("Failed to record build result")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Metrics helpers

func (m *WorkerMetrics) incrementActiveWorkers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeWorkers++
}

func (m *WorkerMetrics) decrementActiveWorkers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeWorkers--
}

func (m *WorkerMetrics) incrementCompleted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completedJobs++
}

func (m *WorkerMetrics) incrementFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedJobs++
}

// Snapshot returns a copy of the current counters
func (m *WorkerMetrics) Snapshot() (active int, completed, failed uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeWorkers, m.completedJobs, m.failedJobs
}
