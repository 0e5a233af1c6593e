package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"imageforge/internal/db"
	"imageforge/internal/manifest"
	"imageforge/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

var imageNameSanitizer = regexp.MustCompile(`[^a-z0-9._-]+`)

// CreateRecipe handles the multipart recipe upload: a JSON "data" field
// describing the recipe and a "manifest" file holding the dependency
// manifest
func (h *Handlers) CreateRecipe(c *gin.Context) {
	h.logger.Info().Msg("Starting recipe creation request")

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 8<<20) // 8MB max
	if err := c.Request.ParseMultipartForm(8 << 20); err != nil {
		h.logger.Error().Err(err).Msg("Failed to parse multipart form")
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Failed to parse form: %v", err)})
		return
	}

	file, err := c.FormFile("manifest")
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to get manifest file")
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Manifest file is required: %v", err)})
		return
	}

	recipeData := c.PostForm("data")
	if recipeData == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Recipe data is required"})
		return
	}

	var req models.CreateRecipeRequest
	if err := json.Unmarshal([]byte(recipeData), &req); err != nil {
		h.logger.Error().Err(err).
			Str("data", recipeData).
			Msg("Failed to parse recipe data")
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid recipe data format: %v", err)})
		return
	}

	launch := models.DefaultLaunchConfig()
	if req.Launch != nil {
		launch = *req.Launch
	}

	recipe := &models.Recipe{
		Name:           req.Name,
		BaseImage:      req.BaseImage,
		SystemPackages: req.SystemPackages,
		ImageName:      sanitizeImageName(req.Name),
		Launch:         launch,
	}

	if err := recipe.Validate(); err != nil {
		h.logger.Error().Err(err).Msg("Invalid recipe configuration")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// The manifest must parse before anything is stored; a recipe with an
	// unusable manifest can never build
	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Failed to open manifest: %v", err)})
		return
	}
	manifestBytes, err := io.ReadAll(src)
	src.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Failed to read manifest: %v", err)})
		return
	}

	if _, err := manifest.Parse(manifestBytes); err != nil {
		h.logger.Error().Err(err).Msg("Unusable dependency manifest")
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Unusable dependency manifest: %v", err)})
		return
	}

	manifestKey := fmt.Sprintf("manifests/%s/%s", uuid.New().String(), manifest.DefaultFilename)
	if _, err := h.store.UploadFileFromMultipart(c, file, manifestKey); err != nil {
		h.logger.Error().Err(err).Msg("Failed to upload manifest to S3")
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to store manifest: %v", err)})
		return
	}
	recipe.ManifestKey = manifestKey

	if err := h.db.CreateRecipe(c, recipe); err != nil {
		// The manifest object is already stored; don't leave it orphaned
		if delErr := h.store.DeleteFile(c, manifestKey); delErr != nil {
			h.logger.Warn().Err(delErr).Str("key", manifestKey).Msg("Failed to delete orphaned manifest object")
		}
		if errors.Is(err, db.ErrAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("Recipe %q already exists", recipe.Name)})
			return
		}
		h.logger.Error().Err(err).Msg("Failed to save recipe to database")
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to create recipe: %v", err)})
		return
	}

	h.logger.Info().
		Str("id", recipe.ID).
		Str("name", recipe.Name).
		Str("base_image", recipe.BaseImage).
		Msg("Recipe created successfully")

	c.JSON(http.StatusCreated, recipe)
}

// GetRecipe returns a recipe by ID
func (h *Handlers) GetRecipe(c *gin.Context) {
	id := c.Param("id")

	recipe, err := h.db.GetRecipe(c, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Recipe not found"})
			return
		}
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to get recipe")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get recipe"})
		return
	}

	c.JSON(http.StatusOK, recipe)
}

// ListRecipes returns recipes with pagination
func (h *Handlers) ListRecipes(c *gin.Context) {
	limit, offset := paginationParams(c)

	recipes, err := h.db.ListRecipes(c, limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list recipes")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list recipes"})
		return
	}

	total, err := h.db.CountRecipes(c)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to count recipes")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list recipes"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"recipes": recipes,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// UpdateRecipe updates mutable recipe fields
func (h *Handlers) UpdateRecipe(c *gin.Context) {
	id := c.Param("id")

	var req models.UpdateRecipeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request body: %v", err)})
		return
	}

	recipe, err := h.db.GetRecipe(c, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Recipe not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get recipe"})
		return
	}

	if req.Name != nil {
		recipe.Name = *req.Name
	}
	if req.BaseImage != nil {
		recipe.BaseImage = *req.BaseImage
	}
	if req.SystemPackages != nil {
		recipe.SystemPackages = req.SystemPackages
	}
	if req.Launch != nil {
		recipe.Launch = *req.Launch
	}

	if err := recipe.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.db.UpdateRecipe(c, recipe); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Recipe not found"})
			return
		}
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to update recipe")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update recipe"})
		return
	}

	c.JSON(http.StatusOK, recipe)
}

// DeleteRecipe removes a recipe, its manifest object, and (by cascade) its
// builds and services
func (h *Handlers) DeleteRecipe(c *gin.Context) {
	id := c.Param("id")

	recipe, err := h.db.GetRecipe(c, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Recipe not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get recipe"})
		return
	}

	if err := h.db.DeleteRecipe(c, id); err != nil {
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to delete recipe")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete recipe"})
		return
	}

	// Manifest cleanup is best-effort; the recipe row is already gone
	if err := h.store.DeleteFile(c, recipe.ManifestKey); err != nil {
		h.logger.Warn().Err(err).Str("key", recipe.ManifestKey).Msg("Failed to delete manifest object")
	}

	c.JSON(http.StatusOK, gin.H{"message": "Recipe deleted"})
}

// sanitizeImageName lowercases a recipe name and strips characters the
// engine rejects in image references
func sanitizeImageName(name string) string {
	return imageNameSanitizer.ReplaceAllString(strings.ToLower(name), "-")
}

func paginationParams(c *gin.Context) (limit, offset int) {
	limit = 20
	offset = 0

	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	return limit, offset
}
