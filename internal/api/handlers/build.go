package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"imageforge/internal/db"
	"imageforge/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const buildWaitPollInterval = 2 * time.Second

// TriggerBuild enqueues a build for a recipe. With ?wait=true the request
// blocks until the build reaches a terminal status or the request times
// out.
func (h *Handlers) TriggerBuild(c *gin.Context) {
	recipeID := c.Param("id")

	recipe, err := h.db.GetRecipe(c, recipeID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Recipe not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get recipe"})
		return
	}

	build := &models.Build{
		RecipeID: recipe.ID,
		Status:   models.BuildStatusQueued,
		Stage:    models.StageResolve,
	}

	if err := h.db.CreateBuild(c, build); err != nil {
		h.logger.Error().Err(err).Str("recipe_id", recipe.ID).Msg("Failed to create build")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create build"})
		return
	}

	requestID := uuid.New().String()
	job := &models.BuildJob{
		BuildID:   build.ID,
		RecipeID:  recipe.ID,
		RequestID: requestID,
	}

	if err := h.queue.EnqueueBuild(c, job); err != nil {
		h.logger.Error().Err(err).Str("build_id", build.ID).Msg("Failed to enqueue build")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue build"})
		return
	}

	h.logger.Info().
		Str("build_id", build.ID).
		Str("recipe_id", recipe.ID).
		Str("request_id", requestID).
		Msg("Build enqueued")

	if c.Query("wait") == "true" {
		h.waitForBuild(c, build.ID)
		return
	}

	c.JSON(http.StatusAccepted, build)
}

// waitForBuild polls the build row until it is terminal, bounded by the
// worker processing timeout
func (h *Handlers) waitForBuild(c *gin.Context, buildID string) {
	deadline := time.Now().Add(h.config.Worker.ProcessingTimeout)
	ticker := time.NewTicker(buildWaitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			c.JSON(http.StatusRequestTimeout, gin.H{"error": "Client disconnected while waiting for build"})
			return
		case <-ticker.C:
			build, err := h.db.GetBuild(c, buildID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to poll build"})
				return
			}

			if build.Status.IsTerminal() {
				c.JSON(http.StatusOK, build)
				return
			}

			if time.Now().After(deadline) {
				c.JSON(http.StatusGatewayTimeout, gin.H{
					"error": "Build did not finish in time",
					"build": build,
				})
				return
			}
		}
	}
}

// GetBuild returns a build by ID
func (h *Handlers) GetBuild(c *gin.Context) {
	id := c.Param("id")

	build, err := h.db.GetBuild(c, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Build not found"})
			return
		}
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to get build")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get build"})
		return
	}

	c.JSON(http.StatusOK, build)
}

// ListBuilds returns builds for a recipe, newest first
func (h *Handlers) ListBuilds(c *gin.Context) {
	recipeID := c.Param("id")
	limit, offset := paginationParams(c)

	if _, err := h.db.GetRecipe(c, recipeID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Recipe not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get recipe"})
		return
	}

	builds, err := h.db.ListBuilds(c, recipeID, limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Str("recipe_id", recipeID).Msg("Failed to list builds")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list builds"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"builds": builds,
		"limit":  limit,
		"offset": offset,
	})
}

// GetBuildLogs returns the archived engine output for a build
func (h *Handlers) GetBuildLogs(c *gin.Context) {
	id := c.Param("id")

	build, err := h.db.GetBuild(c, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Build not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get build"})
		return
	}

	if build.LogKey == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Build has no archived log"})
		return
	}

	data, err := h.store.DownloadFile(c, *build.LogKey)
	if err != nil {
		h.logger.Error().Err(err).Str("key", *build.LogKey).Msg("Failed to download build log")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch build log"})
		return
	}

	c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
}

// GetQueueStatus reports queue depth and dead-letter contents
func (h *Handlers) GetQueueStatus(c *gin.Context) {
	length, err := h.queue.GetQueueLength(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read queue length"})
		return
	}

	deadLetters, err := h.queue.GetDeadLetterMessages(c, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read dead letter queue"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"pending":      length,
		"dead_letters": deadLetters,
	})
}

// RetryDeadLetterBuild moves a dead-lettered build back onto the queue
func (h *Handlers) RetryDeadLetterBuild(c *gin.Context) {
	buildID := c.Param("id")

	if err := h.queue.RetryDeadLetterMessage(c, buildID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Failed to retry build: %v", err)})
		return
	}

	h.logger.Info().Str("build_id", buildID).Msg("Dead-lettered build requeued")
	c.JSON(http.StatusAccepted, gin.H{"message": "Build requeued"})
}
