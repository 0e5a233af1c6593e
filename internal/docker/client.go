package docker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"imageforge/internal/config"
	"imageforge/internal/runtime"
	"imageforge/internal/types"
	"imageforge/pkg/logger"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
)

// Client wraps the Docker engine API client. It is both the local image
// builder and the local service runtime.
type Client struct {
	docker *client.Client
	config *config.DockerConfig
	logger *logger.Logger
}

// NewClient creates a new Docker engine client
func NewClient(cfg *config.DockerConfig, logger *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	dockerClient, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Client{
		docker: dockerClient,
		config: cfg,
		logger: logger,
	}, nil
}

// Close closes the Docker client
func (c *Client) Close() error {
	return c.docker.Close()
}

// PullBaseImage pulls the recipe's base image, retrying on transient
// registry failures. Pull is the only stage that reaches the network before
// any dependency install, so it carries the retry budget.
func (c *Client) PullBaseImage(ctx context.Context, ref string) error {
	var lastErr error

	for attempt := 1; attempt <= c.config.PullAttempts; attempt++ {
		c.logger.Info().
			Str("base_image", ref).
			Int("attempt", attempt).
			Msg("Pulling base image")

		pullResp, err := c.docker.ImagePull(ctx, ref, dockertypes.ImagePullOptions{})
		if err == nil {
			io.Copy(io.Discard, pullResp)
			pullResp.Close()
			c.logger.Info().Str("base_image", ref).Msg("Base image pulled")
			return nil
		}

		lastErr = err
		c.logger.Warn().
			Err(err).
			Str("base_image", ref).
			Int("attempt", attempt).
			Msg("Base image pull failed")

		if attempt < c.config.PullAttempts {
			backoff := c.config.PullBackoff * time.Duration(attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("failed to pull base image %s after %d attempts: %w",
		ref, c.config.PullAttempts, lastErr)
}

// BuildImage assembles a build context on disk from the rendered Dockerfile
// and manifest, then builds it through the engine API. Falls back to the
// Docker CLI when the API build is unavailable.
func (c *Client) BuildImage(ctx context.Context, opts *runtime.BuildImageOptions) (*runtime.BuildResult, error) {
	c.logger.Debug().
		Str("image", opts.ImageTag).
		Str("base_image", opts.BaseImage).
		Msg("Building image")

	if c.config.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.BuildTimeout)
		defer cancel()
	}

	// Stage the build context in a temp directory
	tempDir, err := os.MkdirTemp("", "imageforge-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	dockerfilePath := filepath.Join(tempDir, "Dockerfile")
	if err := os.WriteFile(dockerfilePath, []byte(opts.Dockerfile), 0644); err != nil {
		return nil, fmt.Errorf("failed to write Dockerfile: %w", err)
	}

	manifestPath := filepath.Join(tempDir, opts.ManifestName)
	if err := os.WriteFile(manifestPath, opts.Manifest, 0644); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	for name, data := range opts.ContextFiles {
		path := filepath.Join(tempDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create context directory: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("failed to write context file %s: %w", name, err)
		}
	}

	c.logger.Debug().Msgf("Generated Dockerfile:\n%s", opts.Dockerfile)

	buildContext, err := archive.TarWithOptions(tempDir, &archive.TarOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create build context: %w", err)
	}
	defer buildContext.Close()

	buildOptions := dockertypes.ImageBuildOptions{
		Context:    buildContext,
		Dockerfile: "Dockerfile",
		Tags:       []string{opts.ImageTag},
		Remove:     true,
	}

	buildResponse, err := c.docker.ImageBuild(ctx, buildContext, buildOptions)
	if err != nil {
		c.logger.Info().Msg("Engine API build failed, falling back to Docker CLI")
		return c.buildWithCLI(opts.ImageTag, dockerfilePath, tempDir)
	}
	defer buildResponse.Body.Close()

	buildOutput, err := io.ReadAll(buildResponse.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading build output: %w", err)
	}

	buildOutputStr := string(buildOutput)
	c.logger.Debug().Msgf("Docker build output: %s", buildOutputStr)

	// The build stream reports failures inline as JSON error lines
	if strings.Contains(buildOutputStr, "\"error\"") {
		for _, line := range strings.Split(buildOutputStr, "\n") {
			if !strings.Contains(line, "\"error\"") {
				continue
			}
			var errorLine struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal([]byte(line), &errorLine); err == nil && errorLine.Error != "" {
				c.logger.Error().Str("error", errorLine.Error).Msg("Build error")
				return nil, fmt.Errorf("docker build failed: %s", errorLine.Error)
			}
		}
		return nil, fmt.Errorf("docker build encountered errors (see logs for details)")
	}

	if err := c.verifyImage(ctx, opts.ImageTag); err != nil {
		return nil, err
	}

	return &runtime.BuildResult{
		ImageTag: opts.ImageTag,
		Output:   buildOutputStr,
	}, nil
}

// buildWithCLI shells out to the docker CLI when the engine API build path
// is unavailable
func (c *Client) buildWithCLI(imageTag, dockerfilePath, contextDir string) (*runtime.BuildResult, error) {
	buildCmd := exec.Command(
		"docker", "build",
		"-t", imageTag,
		"-f", dockerfilePath,
		contextDir,
	)

	var stdout, stderr bytes.Buffer
	buildCmd.Stdout = &stdout
	buildCmd.Stderr = &stderr

	c.logger.Info().Str("command", buildCmd.String()).Msg("Running docker build command")

	if err := buildCmd.Run(); err != nil {
		c.logger.Error().
			Err(err).
			Str("stderr", stderr.String()).
			Str("stdout", stdout.String()).
			Msg("Failed to build using Docker CLI")
		return nil, fmt.Errorf("docker build command failed: %w", err)
	}

	verifyCmd := exec.Command("docker", "image", "inspect", imageTag)
	if err := verifyCmd.Run(); err != nil {
		c.logger.Error().
			Err(err).
			Str("image", imageTag).
			Msg("Image verification failed after CLI build")
		return nil, fmt.Errorf("image build appeared to succeed but verification failed: %w", err)
	}

	c.logger.Info().
		Str("image", imageTag).
		Msg("Successfully built image using Docker CLI")

	return &runtime.BuildResult{
		ImageTag: imageTag,
		Output:   stdout.String() + stderr.String(),
	}, nil
}

// verifyImage confirms the image exists after a build. The engine can lag
// briefly between the build stream closing and the image becoming
// inspectable.
func (c *Client) verifyImage(ctx context.Context, imageTag string) error {
	var inspectErr error

	for i := 0; i < 3; i++ {
		var imageInspect dockertypes.ImageInspect
		imageInspect, _, inspectErr = c.docker.ImageInspectWithRaw(ctx, imageTag)
		if inspectErr == nil {
			c.logger.Info().
				Str("image_id", imageInspect.ID).
				Str("tag", imageTag).
				Msg("Successfully built image")
			return nil
		}
		c.logger.Warn().
			Err(inspectErr).
			Int("attempt", i+1).
			Str("image", imageTag).
			Msg("Image not found yet, retrying...")
		time.Sleep(2 * time.Second)
	}

	c.logger.Error().Err(inspectErr).Str("image", imageTag).Msg("Image not found after build")
	return fmt.Errorf("docker build completed but image not found: %s", imageTag)
}

// StartService creates and starts a serving container from a built image,
// publishing its port on the host
func (c *Client) StartService(ctx context.Context, opts *runtime.LaunchOptions) (string, error) {
	c.logger.Debug().
		Str("image", opts.ImageTag).
		Str("name", opts.Name).
		Int("port", opts.Port).
		Msg("Starting serving container")

	containerPort, err := nat.NewPort("tcp", fmt.Sprintf("%d", opts.Port))
	if err != nil {
		return "", fmt.Errorf("invalid service port: %w", err)
	}

	containerConfig := &container.Config{
		Image: opts.ImageTag,
		Cmd:   opts.Command,
		Env:   opts.Env,
		ExposedPorts: nat.PortSet{
			containerPort: struct{}{},
		},
		Labels: map[string]string{
			"managed_by": "imageforge",
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{
				{
					HostIP:   "0.0.0.0",
					HostPort: fmt.Sprintf("%d", opts.Port),
				},
			},
		},
		NetworkMode: container.NetworkMode(c.config.NetworkName),
	}

	name := c.config.ContainerPrefix + opts.Name
	resp, err := c.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := c.docker.ContainerStart(ctx, resp.ID, dockertypes.ContainerStartOptions{}); err != nil {
		c.logger.Error().Err(err).Str("container_id", resp.ID).Msg("Failed to start container")
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	c.logger.Info().
		Str("container_id", resp.ID).
		Str("name", name).
		Msg("Serving container started")

	return resp.ID, nil
}

// StopService stops and removes a serving container
func (c *Client) StopService(ctx context.Context, containerID string) error {
	timeoutSeconds := 10
	stopOpts := container.StopOptions{
		Timeout: &timeoutSeconds,
	}
	if err := c.docker.ContainerStop(ctx, containerID, stopOpts); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}

	removeOpts := dockertypes.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	}
	if err := c.docker.ContainerRemove(ctx, containerID, removeOpts); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}

	c.logger.Debug().Str("container_id", containerID).Msg("Serving container stopped")
	return nil
}

// ServiceLogs retrieves a serving container's logs. The engine multiplexes
// stdout and stderr into one stream; demux it so callers get plain text.
func (c *Client) ServiceLogs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	opts := dockertypes.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     false,
	}

	logs, err := c.docker.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get container logs: %w", err)
	}
	defer logs.Close()

	combined := new(bytes.Buffer)
	if _, err := stdcopy.StdCopy(combined, combined, logs); err != nil {
		return nil, fmt.Errorf("failed to demux container logs: %w", err)
	}

	return io.NopCloser(combined), nil
}

// ServiceWait waits for a serving container to exit
func (c *Client) ServiceWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan types.ContainerWaitResponse, <-chan error) {
	statusCh := make(chan types.ContainerWaitResponse, 1)
	errCh := make(chan error, 1)

	c.logger.Debug().
		Str("container_id", containerID).
		Str("condition", string(condition)).
		Msg("Waiting for container to finish")

	dockerStatusCh, dockerErrCh := c.docker.ContainerWait(ctx, containerID, condition)

	go func() {
		defer close(statusCh)
		defer close(errCh)

		select {
		case status := <-dockerStatusCh:
			customStatus := types.ContainerWaitResponse{
				StatusCode: status.StatusCode,
			}

			// Capture logs for non-zero exit codes
			if status.StatusCode != 0 {
				logsCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				logs, err := c.docker.ContainerLogs(logsCtx, containerID, dockertypes.ContainerLogsOptions{
					ShowStdout: true,
					ShowStderr: true,
					Tail:       "100",
				})
				if err == nil {
					defer logs.Close()
					stdout := new(bytes.Buffer)
					stderr := new(bytes.Buffer)
					stdcopy.StdCopy(stdout, stderr, logs)

					c.logger.Error().
						Str("container_id", containerID).
						Int64("status_code", status.StatusCode).
						Str("stdout", stdout.String()).
						Str("stderr", stderr.String()).
						Msg("Container exited with non-zero status")
				}
			}

			if status.Error != nil {
				customStatus.Error = &struct {
					Message string `json:"Message"`
				}{
					Message: status.Error.Message,
				}
			}
			statusCh <- customStatus
		case err := <-dockerErrCh:
			c.logger.Error().
				Err(err).
				Str("container_id", containerID).
				Msg("Error waiting for container")
			errCh <- err
		case <-ctx.Done():
			errCh <- ctx.Err()
		}
	}()

	return statusCh, errCh
}

// RemoveImage removes a built image
func (c *Client) RemoveImage(ctx context.Context, imageTag string) error {
	_, err := c.docker.ImageRemove(ctx, imageTag, dockertypes.ImageRemoveOptions{
		Force:         true,
		PruneChildren: true,
	})
	if err != nil {
		return fmt.Errorf("failed to remove image: %w", err)
	}
	return nil
}

// PruneImages removes unused images
func (c *Client) PruneImages(ctx context.Context) error {
	_, err := c.docker.ImagesPrune(ctx, filters.NewArgs())
	if err != nil {
		return fmt.Errorf("failed to prune images: %w", err)
	}
	return nil
}

// Ping checks Docker daemon connectivity
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.docker.Ping(ctx)
	return err
}

// registryCredentialsSource resolves static registry credentials stored in
// Secrets Manager
type registryCredentialsSource interface {
	GetRegistryCredentials(ctx context.Context, secretArn string) (*RegistryCredentials, error)
}

// ECRPusher pushes built images to ECR using the engine's CLI, which keeps
// credential handling in one place
type ECRPusher struct {
	cfg    config.RegistryConfig
	creds  registryCredentialsSource
	logger *logger.Logger
}

// NewECRPusher creates the optional push-stage client. The credentials store
// may be nil, in which case logins use the ECR authorization token.
func NewECRPusher(cfg config.RegistryConfig, creds *CredentialsStore, logger *logger.Logger) *ECRPusher {
	p := &ECRPusher{
		cfg:    cfg,
		logger: logger,
	}
	if creds != nil {
		p.creds = creds
	}
	return p
}

// loginCredentials prefers the Secrets Manager credentials when an ARN is
// configured, falling back to the ECR authorization token pair
func (p *ECRPusher) loginCredentials(ctx context.Context, tokenUser, tokenPass string) (string, string, error) {
	if p.cfg.CredentialsArn == "" || p.creds == nil {
		return tokenUser, tokenPass, nil
	}

	stored, err := p.creds.GetRegistryCredentials(ctx, p.cfg.CredentialsArn)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve registry credentials: %w", err)
	}

	p.logger.Debug().
		Str("secret_arn", p.cfg.CredentialsArn).
		Msg("Using stored registry credentials for push")

	return stored.Username, stored.Password, nil
}

// PushImage tags a local image for ECR and pushes it, returning the remote
// image reference
func (p *ECRPusher) PushImage(ctx context.Context, imageTag string) (string, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(p.cfg.Region),
	)
	if err != nil {
		return "", fmt.Errorf("failed to load AWS config: %w", err)
	}

	ecrClient := ecr.NewFromConfig(awsCfg)

	result, err := ecrClient.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return "", fmt.Errorf("failed to get ECR authorization token: %w", err)
	}

	if len(result.AuthorizationData) == 0 {
		return "", fmt.Errorf("no ECR authorization data returned")
	}

	registryURL := *result.AuthorizationData[0].ProxyEndpoint
	registryURL = strings.TrimPrefix(registryURL, "https://")

	remoteRef := fmt.Sprintf("%s/%s", registryURL, imageTag)

	tagCmd := exec.Command("docker", "tag", imageTag, remoteRef)
	var tagStderr bytes.Buffer
	tagCmd.Stderr = &tagStderr
	if err := tagCmd.Run(); err != nil {
		p.logger.Error().
			Err(err).
			Str("stderr", tagStderr.String()).
			Msg("Failed to tag image for ECR")
		return "", fmt.Errorf("failed to tag image for ECR: %w", err)
	}

	authToken, err := base64.StdEncoding.DecodeString(*result.AuthorizationData[0].AuthorizationToken)
	if err != nil {
		return "", fmt.Errorf("failed to decode ECR auth token: %w", err)
	}

	auth := strings.SplitN(string(authToken), ":", 2)
	if len(auth) != 2 {
		return "", fmt.Errorf("invalid ECR auth token format")
	}

	username, password, err := p.loginCredentials(ctx, auth[0], auth[1])
	if err != nil {
		return "", err
	}

	loginCmd := exec.Command("docker", "login", "--username", username, "--password-stdin", registryURL)
	loginCmd.Stdin = strings.NewReader(password)

	var loginStderr bytes.Buffer
	loginCmd.Stderr = &loginStderr
	if err := loginCmd.Run(); err != nil {
		p.logger.Error().
			Err(err).
			Str("stderr", loginStderr.String()).
			Msg("Failed to login to ECR")
		return "", fmt.Errorf("failed to login to ECR: %w", err)
	}

	pushCmd := exec.Command("docker", "push", remoteRef)
	var pushStderr bytes.Buffer
	pushCmd.Stderr = &pushStderr
	if err := pushCmd.Run(); err != nil {
		p.logger.Error().
			Err(err).
			Str("stderr", pushStderr.String()).
			Msg("Failed to push image to ECR")
		return "", fmt.Errorf("failed to push image to ECR: %w", err)
	}

	p.logger.Info().
		Str("remote_ref", remoteRef).
		Msg("Image pushed to ECR")

	return remoteRef, nil
}
