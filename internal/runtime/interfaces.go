package runtime

import (
	"context"
	"io"

	"imageforge/internal/types"

	"github.com/docker/docker/api/types/container"
)

// BuildImageOptions contains everything a builder needs to assemble an
// image: the rendered Dockerfile, the manifest bytes staged into the
// context, and the target tag.
type BuildImageOptions struct {
	ImageTag     string
	BaseImage    string
	Dockerfile   string
	ManifestName string
	Manifest     []byte
	ContextFiles map[string][]byte // extra files staged into the build context
}

// BuildResult reports what a builder produced
type BuildResult struct {
	ImageTag string
	Output   string // raw engine/build-service output, stored as the build log
}

// ImageBuilder assembles a recipe into an image. Implemented by the local
// Docker engine client and the CodeBuild client.
type ImageBuilder interface {
	BuildImage(ctx context.Context, opts *BuildImageOptions) (*BuildResult, error)
	PullBaseImage(ctx context.Context, ref string) error
	RemoveImage(ctx context.Context, imageTag string) error
	Ping(ctx context.Context) error
}

// LaunchOptions describes a serving container to start
type LaunchOptions struct {
	Name     string
	ImageTag string
	Command  []string
	Port     int
	Env      []string
}

// ServiceRuntime starts and stops serving containers. Implemented by the
// local Docker engine client and the ECS client.
type ServiceRuntime interface {
	StartService(ctx context.Context, opts *LaunchOptions) (string, error)
	StopService(ctx context.Context, containerID string) error
	ServiceLogs(ctx context.Context, containerID string) (io.ReadCloser, error)
	ServiceWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan types.ContainerWaitResponse, <-chan error)
}

// RegistryPusher is the optional push stage
type RegistryPusher interface {
	PushImage(ctx context.Context, imageTag string) (string, error)
}
