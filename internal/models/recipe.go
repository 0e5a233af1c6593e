package models

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrInvalidInput  = errors.New("invalid input")
)

// debianPackageName matches valid Debian package names.
var debianPackageName = regexp.MustCompile(`^[a-z0-9][a-z0-9+.-]+$`)

// BuildStatus represents the current status of a build
type BuildStatus string

const (
	BuildStatusQueued    BuildStatus = "queued"
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
)

// BuildStage identifies a stage of the build pipeline. Stages run strictly
// in this order; a failed build records the stage it died in.
type BuildStage string

const (
	StageResolve  BuildStage = "resolve"
	StageManifest BuildStage = "manifest"
	StageAssemble BuildStage = "assemble"
	StageBuild    BuildStage = "build"
	StagePush     BuildStage = "push"
)

// ServiceState represents the lifecycle of a launched serving process
type ServiceState string

const (
	ServiceStateStarting ServiceState = "starting"
	ServiceStateServing  ServiceState = "serving"
	ServiceStateStopped  ServiceState = "stopped"
	ServiceStateFailed   ServiceState = "failed"
)

// LaunchConfig holds the serving process parameters. These are operator
// policy, fixed at recipe creation and never computed by the pipeline.
type LaunchConfig struct {
	Module  string `json:"module" db:"launch_module"` // module:attribute, e.g. main:app
	Host    string `json:"host" db:"launch_host"`
	Port    int    `json:"port" db:"launch_port"`
	Workers int    `json:"workers" db:"launch_workers"`
	Reload  bool   `json:"reload" db:"launch_reload"`
}

// Recipe describes how to assemble an image: the base floor layer, the OS
// packages installed before the dependency stage, the dependency manifest
// location, and the documented launch command.
type Recipe struct {
	ID             string       `json:"id" db:"id"`
	Name           string       `json:"name" db:"name"`
	BaseImage      string       `json:"base_image" db:"base_image"`
	SystemPackages []string     `json:"system_packages" db:"system_packages"`
	ManifestKey    string       `json:"manifest_key" db:"manifest_key"`
	ImageName      string       `json:"image_name" db:"image_name"`
	Launch         LaunchConfig `json:"launch"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

// Build represents one execution of the pipeline for a recipe
type Build struct {
	ID           string      `json:"id" db:"id"`
	RecipeID     string      `json:"recipe_id" db:"recipe_id"`
	Status       BuildStatus `json:"status" db:"status"`
	Stage        BuildStage  `json:"stage" db:"stage"`
	ImageTag     string      `json:"image_tag,omitempty" db:"image_tag"`
	LogKey       *string     `json:"log_key,omitempty" db:"log_key"`
	ErrorMessage *string     `json:"error_message,omitempty" db:"error_message"`
	QueuedAt     time.Time   `json:"queued_at" db:"queued_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty" db:"started_at"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty" db:"finished_at"`
}

// ServiceInstance represents a running serving container launched from a
// recipe's built image
type ServiceInstance struct {
	ID          string       `json:"id" db:"id"`
	RecipeID    string       `json:"recipe_id" db:"recipe_id"`
	ContainerID string       `json:"container_id" db:"container_id"`
	ImageTag    string       `json:"image_tag" db:"image_tag"`
	Host        string       `json:"host" db:"host"`
	Port        int          `json:"port" db:"port"`
	Workers     int          `json:"workers" db:"workers"`
	Reload      bool         `json:"reload" db:"reload"`
	State       ServiceState `json:"state" db:"state"`
	StartedAt   time.Time    `json:"started_at" db:"started_at"`
	StoppedAt   *time.Time   `json:"stopped_at,omitempty" db:"stopped_at"`
}

// Request types for API endpoints

// CreateRecipeRequest is the JSON part of the multipart recipe upload;
// the manifest file travels as a separate form field.
type CreateRecipeRequest struct {
	Name           string        `json:"name" binding:"required"`
	BaseImage      string        `json:"base_image" binding:"required"`
	SystemPackages []string      `json:"system_packages,omitempty"`
	Launch         *LaunchConfig `json:"launch,omitempty"`
}

// UpdateRecipeRequest updates mutable recipe fields
type UpdateRecipeRequest struct {
	Name           *string       `json:"name,omitempty"`
	BaseImage      *string       `json:"base_image,omitempty"`
	SystemPackages []string      `json:"system_packages,omitempty"`
	Launch         *LaunchConfig `json:"launch,omitempty"`
}

// TriggerBuildRequest enqueues a build for a recipe
type TriggerBuildRequest struct {
	RecipeID  string `json:"recipe_id" binding:"required"`
	RequestID string `json:"request_id"` // generated if not provided
}

// BuildJob is the unit of work handed to the worker pool
type BuildJob struct {
	BuildID   string
	RecipeID  string
	RequestID string
}

// DefaultLaunchConfig returns the documented serving defaults.
func DefaultLaunchConfig() LaunchConfig {
	return LaunchConfig{
		Module:  "main:app",
		Host:    "0.0.0.0",
		Port:    8000,
		Workers: 4,
		Reload:  false,
	}
}

// Validation functions

// Validate checks if a recipe configuration is valid
func (r *Recipe) Validate() error {
	if r.Name == "" {
		return errors.New("recipe name is required")
	}
	if r.BaseImage == "" {
		return errors.New("base image is required")
	}
	for _, pkg := range r.SystemPackages {
		if !debianPackageName.MatchString(pkg) {
			return fmt.Errorf("invalid system package name: %q", pkg)
		}
	}
	if err := validateSystemPackages(r.SystemPackages); err != nil {
		return err
	}
	return r.Launch.Validate()
}

// Validate checks the launch parameters
func (l *LaunchConfig) Validate() error {
	if l.Module == "" {
		return errors.New("launch module is required")
	}
	if l.Host == "" {
		return errors.New("launch host is required")
	}
	if l.Port < 1 || l.Port > 65535 {
		return fmt.Errorf("launch port must be between 1 and 65535, got %d", l.Port)
	}
	if l.Workers < 1 {
		return fmt.Errorf("launch workers must be at least 1, got %d", l.Workers)
	}
	return nil
}

// EffectiveWorkers returns the worker count actually passed to the serving
// process. Reload mode is single-worker only.
func (l *LaunchConfig) EffectiveWorkers() int {
	if l.Reload {
		return 1
	}
	return l.Workers
}

// validateSystemPackages rejects duplicate package names
func validateSystemPackages(pkgs []string) error {
	seen := make(map[string]struct{})
	for _, pkg := range pkgs {
		if _, exists := seen[pkg]; exists {
			return fmt.Errorf("duplicate system package: %s", pkg)
		}
		seen[pkg] = struct{}{}
	}
	return nil
}

// IsTerminal reports whether a build status is final
func (s BuildStatus) IsTerminal() bool {
	return s == BuildStatusSucceeded || s == BuildStatusFailed
}
