package docker

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"imageforge/internal/config"
	"imageforge/internal/runtime"
	"imageforge/internal/types"
	"imageforge/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/docker/docker/api/types/container"
)

// ECSLauncher runs serving containers as Fargate tasks instead of on the
// local engine. Task ARNs stand in for container IDs.
type ECSLauncher struct {
	ecsClient *ecs.Client
	cwlClient *cloudwatchlogs.Client
	config    config.ECSConfig
	logger    *logger.Logger
}

// NewECSLauncher creates an ECS backed service runtime
func NewECSLauncher(ctx context.Context, cfg config.ECSConfig, logger *logger.Logger) (*ECSLauncher, error) {
	if cfg.Cluster == "" {
		return nil, fmt.Errorf("ECS cluster is required")
	}
	if len(cfg.Subnets) == 0 {
		return nil, fmt.Errorf("at least one ECS subnet is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	return &ECSLauncher{
		ecsClient: ecs.NewFromConfig(awsCfg),
		cwlClient: cloudwatchlogs.NewFromConfig(awsCfg),
		config:    cfg,
		logger:    logger,
	}, nil
}

// StartService registers a task definition for the serving container and
// runs it on Fargate. Returns the task ARN.
func (e *ECSLauncher) StartService(ctx context.Context, opts *runtime.LaunchOptions) (string, error) {
	containerName := sanitizeContainerName(opts.Name)

	env := make([]ecstypes.KeyValuePair, 0, len(opts.Env))
	for _, kv := range opts.Env {
		name, value := parseEnvVar(kv)
		env = append(env, ecstypes.KeyValuePair{
			Name:  aws.String(name),
			Value: aws.String(value),
		})
	}

	containerDefinition := ecstypes.ContainerDefinition{
		Name:        aws.String(containerName),
		Image:       aws.String(opts.ImageTag),
		Command:     opts.Command,
		Environment: env,
		Essential:   aws.Bool(true),
		PortMappings: []ecstypes.PortMapping{
			{
				ContainerPort: aws.Int32(int32(opts.Port)),
				Protocol:      ecstypes.TransportProtocolTcp,
			},
		},
		LogConfiguration: &ecstypes.LogConfiguration{
			LogDriver: ecstypes.LogDriverAwslogs,
			Options: map[string]string{
				"awslogs-group":         e.config.LogGroup,
				"awslogs-region":        e.config.Region,
				"awslogs-stream-prefix": containerName,
			},
		},
	}

	taskDefInput := &ecs.RegisterTaskDefinitionInput{
		Family:                  aws.String(containerName),
		Cpu:                     aws.String("256"),
		Memory:                  aws.String("512"),
		NetworkMode:             ecstypes.NetworkModeAwsvpc,
		RequiresCompatibilities: []ecstypes.Compatibility{ecstypes.CompatibilityFargate},
		ExecutionRoleArn:        aws.String(e.config.TaskExecutionRoleArn),
		TaskRoleArn:             aws.String(e.config.TaskRoleArn),
		ContainerDefinitions:    []ecstypes.ContainerDefinition{containerDefinition},
		RuntimePlatform: &ecstypes.RuntimePlatform{
			CpuArchitecture:       ecstypes.CPUArchitectureX8664,
			OperatingSystemFamily: ecstypes.OSFamilyLinux,
		},
	}

	taskDefResp, err := e.ecsClient.RegisterTaskDefinition(ctx, taskDefInput)
	if err != nil {
		return "", fmt.Errorf("failed to register task definition: %w", err)
	}

	taskDefArn := aws.ToString(taskDefResp.TaskDefinition.TaskDefinitionArn)
	e.logger.Info().
		Str("task_definition_arn", taskDefArn).
		Msg("Registered ECS task definition")

	runTaskInput := &ecs.RunTaskInput{
		Cluster:        aws.String(e.config.Cluster),
		TaskDefinition: aws.String(taskDefArn),
		Count:          aws.Int32(1),
		LaunchType:     ecstypes.LaunchTypeFargate,
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        e.config.Subnets,
				SecurityGroups: e.config.SecurityGroups,
				AssignPublicIp: ecstypes.AssignPublicIpEnabled,
			},
		},
	}

	runResp, err := e.ecsClient.RunTask(ctx, runTaskInput)
	if err != nil {
		return "", fmt.Errorf("failed to run task: %w", err)
	}

	if len(runResp.Tasks) == 0 {
		if len(runResp.Failures) > 0 {
			failures := make([]string, len(runResp.Failures))
			for i, failure := range runResp.Failures {
				failures[i] = fmt.Sprintf("%s: %s", aws.ToString(failure.Arn), aws.ToString(failure.Reason))
			}
			return "", fmt.Errorf("failed to run task: %s", strings.Join(failures, "; "))
		}
		return "", fmt.Errorf("failed to run task: no tasks created")
	}

	taskArn := aws.ToString(runResp.Tasks[0].TaskArn)
	e.logger.Info().
		Str("task_arn", taskArn).
		Str("image", opts.ImageTag).
		Msg("ECS task started")

	return taskArn, nil
}

// StopService stops the Fargate task
func (e *ECSLauncher) StopService(ctx context.Context, taskArn string) error {
	_, err := e.ecsClient.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(e.config.Cluster),
		Task:    aws.String(taskArn),
		Reason:  aws.String("stopped by operator"),
	})
	if err != nil {
		return fmt.Errorf("failed to stop task: %w", err)
	}
	return nil
}

// ServiceLogs fetches the task's CloudWatch log tail
func (e *ECSLauncher) ServiceLogs(ctx context.Context, taskArn string) (io.ReadCloser, error) {
	taskID := path.Base(taskArn)
	containerName, err := e.taskContainerName(ctx, taskArn)
	if err != nil {
		return nil, err
	}

	// awslogs streams are named prefix/container/task-id
	logStream := fmt.Sprintf("%s/%s/%s", containerName, containerName, taskID)

	logsOutput, err := e.cwlClient.GetLogEvents(ctx, &cloudwatchlogs.GetLogEventsInput{
		LogGroupName:  aws.String(e.config.LogGroup),
		LogStreamName: aws.String(logStream),
		Limit:         aws.Int32(100),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get task logs: %w", err)
	}

	var sb strings.Builder
	for _, event := range logsOutput.Events {
		if event.Message != nil {
			sb.WriteString(*event.Message)
			sb.WriteString("\n")
		}
	}

	return io.NopCloser(strings.NewReader(sb.String())), nil
}

// ServiceWait polls the task until it stops
func (e *ECSLauncher) ServiceWait(ctx context.Context, taskArn string, condition container.WaitCondition) (<-chan types.ContainerWaitResponse, <-chan error) {
	statusCh := make(chan types.ContainerWaitResponse, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(statusCh)
		defer close(errCh)

		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case <-ticker.C:
				resp, err := e.ecsClient.DescribeTasks(ctx, &ecs.DescribeTasksInput{
					Cluster: aws.String(e.config.Cluster),
					Tasks:   []string{taskArn},
				})
				if err != nil {
					e.logger.Error().Err(err).Str("task_arn", taskArn).Msg("Failed to describe task")
					continue
				}

				if len(resp.Tasks) == 0 {
					if len(resp.Failures) > 0 {
						errCh <- fmt.Errorf("task lookup failed: %s", aws.ToString(resp.Failures[0].Reason))
						return
					}
					continue
				}

				task := resp.Tasks[0]
				if aws.ToString(task.LastStatus) != "STOPPED" {
					continue
				}

				status := types.ContainerWaitResponse{}
				if len(task.Containers) > 0 && task.Containers[0].ExitCode != nil {
					status.StatusCode = int64(*task.Containers[0].ExitCode)
				}
				if reason := aws.ToString(task.StoppedReason); reason != "" {
					status.Error = &struct {
						Message string `json:"Message"`
					}{
						Message: reason,
					}
				}
				statusCh <- status
				return
			}
		}
	}()

	return statusCh, errCh
}

// taskContainerName looks up the container name the task was registered with
func (e *ECSLauncher) taskContainerName(ctx context.Context, taskArn string) (string, error) {
	resp, err := e.ecsClient.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(e.config.Cluster),
		Tasks:   []string{taskArn},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe task: %w", err)
	}
	if len(resp.Tasks) == 0 || len(resp.Tasks[0].Containers) == 0 {
		return "", fmt.Errorf("task %s not found", taskArn)
	}
	return aws.ToString(resp.Tasks[0].Containers[0].Name), nil
}

// sanitizeContainerName replaces characters ECS rejects in container names
func sanitizeContainerName(name string) string {
	var sb strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	return sb.String()
}

// parseEnvVar splits a KEY=VALUE pair
func parseEnvVar(env string) (string, string) {
	parts := strings.SplitN(env, "=", 2)
	if len(parts) != 2 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}
