package docker

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"imageforge/internal/config"
	"imageforge/internal/runtime"
	"imageforge/internal/storage"
	"imageforge/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	cbtypes "github.com/aws/aws-sdk-go-v2/service/codebuild/types"
)

const (
	codeBuildPollInterval = 5 * time.Second
	codeBuildTimeout      = 10 * time.Minute
)

// CodeBuildClient builds images remotely through AWS CodeBuild. The build
// context is zipped and staged in S3 as the build source.
type CodeBuildClient struct {
	cbClient    *codebuild.Client
	s3Client    *storage.S3Client
	projectName string
	region      string
	logger      *logger.Logger
}

// NewCodeBuildClient creates a CodeBuild backed image builder
func NewCodeBuildClient(ctx context.Context, cfg config.CodeBuildConfig, s3Client *storage.S3Client, logger *logger.Logger) (*CodeBuildClient, error) {
	if cfg.ProjectName == "" {
		return nil, fmt.Errorf("CodeBuild project name is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	return &CodeBuildClient{
		cbClient:    codebuild.NewFromConfig(awsCfg),
		s3Client:    s3Client,
		projectName: cfg.ProjectName,
		region:      cfg.Region,
		logger:      logger,
	}, nil
}

// BuildImage zips the build context, uploads it to S3, starts a CodeBuild
// build, and polls until the build reaches a terminal phase
func (c *CodeBuildClient) BuildImage(ctx context.Context, opts *runtime.BuildImageOptions) (*runtime.BuildResult, error) {
	c.logger.Debug().
		Str("image", opts.ImageTag).
		Str("project", c.projectName).
		Msg("Starting CodeBuild build")

	source, err := zipBuildContext(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to zip build context: %w", err)
	}

	s3Key := fmt.Sprintf("contexts/%s.zip", sanitizeKey(opts.ImageTag))
	if err := c.s3Client.UploadFile(ctx, s3Key, bytes.NewReader(source)); err != nil {
		return nil, fmt.Errorf("failed to upload build context: %w", err)
	}

	buildInput := &codebuild.StartBuildInput{
		ProjectName:            aws.String(c.projectName),
		SourceTypeOverride:     cbtypes.SourceTypeS3,
		SourceLocationOverride: aws.String(fmt.Sprintf("%s/%s", c.s3Client.Bucket(), s3Key)),
		EnvironmentVariablesOverride: []cbtypes.EnvironmentVariable{
			{
				Name:  aws.String("IMAGE_TAG"),
				Value: aws.String(opts.ImageTag),
				Type:  cbtypes.EnvironmentVariableTypePlaintext,
			},
			{
				Name:  aws.String("BASE_IMAGE"),
				Value: aws.String(opts.BaseImage),
				Type:  cbtypes.EnvironmentVariableTypePlaintext,
			},
		},
	}

	startResp, err := c.cbClient.StartBuild(ctx, buildInput)
	if err != nil {
		c.logger.Error().
			Err(err).
			Msg("Failed to start CodeBuild build")
		return nil, fmt.Errorf("failed to start CodeBuild build: %w", err)
	}

	if startResp.Build == nil || startResp.Build.Id == nil {
		return nil, fmt.Errorf("received nil build ID from CodeBuild")
	}
	buildID := *startResp.Build.Id

	c.logger.Info().
		Str("codebuild_id", buildID).
		Str("image", opts.ImageTag).
		Msg("CodeBuild build started")

	if err := c.waitForBuild(ctx, buildID); err != nil {
		logs, logsErr := c.getLogs(ctx, buildID)
		if logsErr == nil && len(logs) > 0 {
			return nil, fmt.Errorf("%w\nbuild log tail:\n%s", err, strings.Join(logs, "\n"))
		}
		return nil, err
	}

	logs, err := c.getLogs(ctx, buildID)
	if err != nil {
		c.logger.Warn().Err(err).Str("codebuild_id", buildID).Msg("Failed to fetch build logs")
		logs = nil
	}

	return &runtime.BuildResult{
		ImageTag: opts.ImageTag,
		Output:   strings.Join(logs, "\n"),
	}, nil
}

// PullBaseImage is a no-op for CodeBuild; the remote build environment
// pulls the base image itself
func (c *CodeBuildClient) PullBaseImage(ctx context.Context, ref string) error {
	c.logger.Debug().
		Str("base_image", ref).
		Msg("Base image pull deferred to CodeBuild environment")
	return nil
}

// RemoveImage is a no-op for CodeBuild; built images live in the registry,
// not on a local engine
func (c *CodeBuildClient) RemoveImage(ctx context.Context, imageTag string) error {
	return nil
}

// Ping verifies the CodeBuild project exists and is reachable
func (c *CodeBuildClient) Ping(ctx context.Context) error {
	resp, err := c.cbClient.BatchGetProjects(ctx, &codebuild.BatchGetProjectsInput{
		Names: []string{c.projectName},
	})
	if err != nil {
		return fmt.Errorf("failed to reach CodeBuild: %w", err)
	}
	if len(resp.Projects) == 0 {
		return fmt.Errorf("CodeBuild project %s not found", c.projectName)
	}
	return nil
}

// waitForBuild polls the build until it succeeds, fails, or times out
func (c *CodeBuildClient) waitForBuild(ctx context.Context, buildID string) error {
	timeout := time.After(codeBuildTimeout)
	ticker := time.NewTicker(codeBuildPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled while waiting for build: %w", ctx.Err())
		case <-timeout:
			return fmt.Errorf("CodeBuild build %s timed out after %s", buildID, codeBuildTimeout)
		case <-ticker.C:
			resp, err := c.cbClient.BatchGetBuilds(ctx, &codebuild.BatchGetBuildsInput{
				Ids: []string{buildID},
			})
			if err != nil {
				c.logger.Error().
					Err(err).
					Str("codebuild_id", buildID).
					Msg("Failed to get build status")
				continue
			}

			if len(resp.Builds) == 0 {
				c.logger.Error().Str("codebuild_id", buildID).Msg("Build info not found")
				continue
			}

			build := resp.Builds[0]

			c.logger.Debug().
				Str("codebuild_id", buildID).
				Str("status", string(build.BuildStatus)).
				Str("phase", aws.ToString(build.CurrentPhase)).
				Msg("CodeBuild build status")

			switch build.BuildStatus {
			case cbtypes.StatusTypeSucceeded:
				return nil
			case cbtypes.StatusTypeFailed, cbtypes.StatusTypeFault,
				cbtypes.StatusTypeStopped, cbtypes.StatusTypeTimedOut:
				return fmt.Errorf("CodeBuild build %s finished with status %s", buildID, build.BuildStatus)
			}
		}
	}
}

// getLogs retrieves the CloudWatch log tail for a CodeBuild build
func (c *CodeBuildClient) getLogs(ctx context.Context, buildID string) ([]string, error) {
	resp, err := c.cbClient.BatchGetBuilds(ctx, &codebuild.BatchGetBuildsInput{
		Ids: []string{buildID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get build info: %w", err)
	}

	if len(resp.Builds) == 0 {
		return nil, fmt.Errorf("build info not found")
	}

	build := resp.Builds[0]
	if build.Logs == nil || build.Logs.CloudWatchLogs == nil ||
		build.Logs.CloudWatchLogs.GroupName == nil || build.Logs.CloudWatchLogs.StreamName == nil {
		return nil, fmt.Errorf("build has no CloudWatch logs")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.region))
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	cwlClient := cloudwatchlogs.NewFromConfig(awsCfg)

	logsOutput, err := cwlClient.GetLogEvents(ctx, &cloudwatchlogs.GetLogEventsInput{
		LogGroupName:  build.Logs.CloudWatchLogs.GroupName,
		LogStreamName: build.Logs.CloudWatchLogs.StreamName,
		Limit:         aws.Int32(100),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get log events: %w", err)
	}

	messages := make([]string, 0, len(logsOutput.Events))
	for _, event := range logsOutput.Events {
		if event.Message != nil {
			messages = append(messages, strings.TrimRight(*event.Message, "\n"))
		}
	}

	return messages, nil
}

// zipBuildContext packages the Dockerfile, manifest, and any extra context
// files into a zip archive for the S3 build source
func zipBuildContext(opts *runtime.BuildImageOptions) ([]byte, error) {
	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)

	files := map[string][]byte{
		"Dockerfile":      []byte(opts.Dockerfile),
		opts.ManifestName: opts.Manifest,
	}
	for name, data := range opts.ContextFiles {
		files[name] = data
	}

	for name, data := range files {
		w, err := zw.Create(name)
		if err != nil {
			return nil, fmt.Errorf("failed to add %s to archive: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("failed to write %s to archive: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}

	return buf.Bytes(), nil
}

// sanitizeKey makes an image tag safe for use as an S3 object key segment
func sanitizeKey(tag string) string {
	return strings.NewReplacer(":", "-", "/", "-").Replace(tag)
}
