package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"imageforge/internal/db"
	"imageforge/internal/dockerfile"
	"imageforge/internal/models"
	"imageforge/internal/runtime"
	"imageforge/internal/types"

	"github.com/docker/docker/api/types/container"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// LaunchRequest optionally overrides the recipe's launch parameters for a
// single service instance
type LaunchRequest struct {
	Launch *models.LaunchConfig `json:"launch,omitempty"`
}

// LaunchService starts a serving container from the recipe's latest
// successful build
func (h *Handlers) LaunchService(c *gin.Context) {
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

	var req LaunchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request body: %v", err)})
			return
		}
	}

	launch := recipe.Launch
	if req.Launch != nil {
		launch = *req.Launch
		if err := launch.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if launch.Reload && launch.Workers > 1 {
		h.logger.Warn().
			Str("recipe_id", recipe.ID).
			Int("workers", launch.Workers).
			Msg("Reload mode is single-worker; forcing workers to 1")
	}

	build, err := h.db.GetLatestSuccessfulBuild(c, recipeID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusConflict, gin.H{"error": "Recipe has no successful build to launch"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to look up builds"})
		return
	}

	command := dockerfile.LaunchCommand(&launch)
	name := fmt.Sprintf("%s-%s", recipe.ImageName, uuid.New().String()[:8])

	// The row exists before the container does, so a startup failure is
	// recorded on it as state failed
	svc := &models.ServiceInstance{
		RecipeID: recipe.ID,
		ImageTag: build.ImageTag,
		Host:     launch.Host,
		Port:     launch.Port,
		Workers:  launch.EffectiveWorkers(),
		Reload:   launch.Reload,
		State:    models.ServiceStateStarting,
	}

	if err := h.db.CreateService(c, svc); err != nil {
		h.logger.Error().Err(err).Msg("Failed to record service instance")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record service"})
		return
	}

	containerID, err := h.launcher.StartService(c, &runtime.LaunchOptions{
		Name:     name,
		ImageTag: build.ImageTag,
		Command:  command,
		Port:     launch.Port,
	})
	if err != nil {
		h.logger.Error().
			Err(err).
			Str("service_id", svc.ID).
			Str("image_tag", build.ImageTag).
			Msg("Failed to start serving container")
		if stateErr := h.db.UpdateServiceState(c, svc.ID, models.ServiceStateFailed); stateErr != nil {
			h.logger.Error().Err(stateErr).Str("service_id", svc.ID).Msg("Failed to record failed state")
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to launch service: %v", err)})
		return
	}

	if err := h.db.MarkServiceServing(c, svc.ID, containerID); err != nil {
		h.logger.Error().Err(err).Str("service_id", svc.ID).Msg("Failed to record serving state")
		// The container is already running; stop it rather than leak it
		if stopErr := h.launcher.StopService(c, containerID); stopErr != nil {
			h.logger.Error().Err(stopErr).Str("container_id", containerID).Msg("Failed to stop orphaned container")
		}
		if stateErr := h.db.UpdateServiceState(c, svc.ID, models.ServiceStateFailed); stateErr != nil {
			h.logger.Error().Err(stateErr).Str("service_id", svc.ID).Msg("Failed to record failed state")
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record service"})
		return
	}

	svc.ContainerID = containerID
	svc.State = models.ServiceStateServing

	go h.watchService(svc.ID, containerID)

	h.logger.Info().
		Str("service_id", svc.ID).
		Str("container_id", containerID).
		Str("image_tag", build.ImageTag).
		Int("port", svc.Port).
		Int("workers", svc.Workers).
		Msg("Service launched")

	c.JSON(http.StatusCreated, svc)
}

// watchService follows a launched container and records its terminal state
// once the serving process exits. A non-zero exit lands in state failed and
// a clean exit in stopped. Explicit stops are recorded by the stop handler
// before the wait fires.
func (h *Handlers) watchService(serviceID, containerID string) {
	ctx := context.Background()

	statusCh, errCh := h.launcher.ServiceWait(ctx, containerID, container.WaitConditionNotRunning)

	var status types.ContainerWaitResponse
	select {
	case err := <-errCh:
		if err != nil {
			h.logger.Error().
				Err(err).
				Str("service_id", serviceID).
				Msg("Failed to wait on serving container")
		}
		return
	case status = <-statusCh:
	}

	svc, err := h.db.GetService(ctx, serviceID)
	if err != nil {
		h.logger.Error().Err(err).Str("service_id", serviceID).Msg("Failed to load service after container exit")
		return
	}
	if svc.State == models.ServiceStateStopped {
		return
	}

	state := models.ServiceStateFailed
	if status.StatusCode == 0 && status.Error == nil {
		state = models.ServiceStateStopped
	}

	if err := h.db.UpdateServiceState(ctx, serviceID, state); err != nil {
		h.logger.Error().Err(err).Str("service_id", serviceID).Msg("Failed to record service exit")
		return
	}

	h.logger.Info().
		Str("service_id", serviceID).
		Int64("exit_code", status.StatusCode).
		Str("state", string(state)).
		Msg("Serving container exited")
}

// GetService returns a service instance by ID
func (h *Handlers) GetService(c *gin.Context) {
	id := c.Param("id")

	svc, err := h.db.GetService(c, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Service not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get service"})
		return
	}

	c.JSON(http.StatusOK, svc)
}

// ListServices returns service instances for a recipe
func (h *Handlers) ListServices(c *gin.Context) {
	recipeID := c.Param("id")
	limit, offset := paginationParams(c)

	services, err := h.db.ListServices(c, recipeID, limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Str("recipe_id", recipeID).Msg("Failed to list services")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list services"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"services": services,
		"limit":    limit,
		"offset":   offset,
	})
}

// StopService stops a serving container and records the terminal state
func (h *Handlers) StopService(c *gin.Context) {
	id := c.Param("id")

	svc, err := h.db.GetService(c, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Service not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get service"})
		return
	}

	if svc.State == models.ServiceStateStopped {
		c.JSON(http.StatusOK, svc)
		return
	}

	if err := h.launcher.StopService(c, svc.ContainerID); err != nil {
		h.logger.Error().
			Err(err).
			Str("service_id", svc.ID).
			Str("container_id", svc.ContainerID).
			Msg("Failed to stop serving container")
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to stop service: %v", err)})
		return
	}

	if err := h.db.UpdateServiceState(c, svc.ID, models.ServiceStateStopped); err != nil {
		h.logger.Error().Err(err).Str("service_id", svc.ID).Msg("Failed to record stopped state")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record service state"})
		return
	}

	svc.State = models.ServiceStateStopped
	h.logger.Info().Str("service_id", svc.ID).Msg("Service stopped")

	c.JSON(http.StatusOK, svc)
}

// GetServiceLogs streams the serving container's log tail
func (h *Handlers) GetServiceLogs(c *gin.Context) {
	id := c.Param("id")

	svc, err := h.db.GetService(c, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Service not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get service"})
		return
	}

	logs, err := h.launcher.ServiceLogs(c, svc.ContainerID)
	if err != nil {
		h.logger.Error().Err(err).Str("service_id", svc.ID).Msg("Failed to fetch service logs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch service logs"})
		return
	}
	defer logs.Close()

	data, err := io.ReadAll(logs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read service logs"})
		return
	}

	c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
}
