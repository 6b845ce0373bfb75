package executor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/t77yq/initiative-engine/internal/model"
)

// DeploymentExecutor runs deployment tasks as one-shot containers. The
// task's Params carry the container spec: "image" (required), "cmd"
// (optional, space-separated). A non-zero exit code fails the task.
type DeploymentExecutor struct {
	logger *zap.Logger
	docker client.APIClient
}

// NewDeploymentExecutor creates a deployment executor backed by the
// local Docker daemon.
func NewDeploymentExecutor(logger *zap.Logger) (*DeploymentExecutor, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return &DeploymentExecutor{
		logger: logger.Named("deployment-executor"),
		docker: docker,
	}, nil
}

// NewDeploymentExecutorWithClient creates a deployment executor with an
// injected Docker client, for tests.
func NewDeploymentExecutorWithClient(docker client.APIClient, logger *zap.Logger) *DeploymentExecutor {
	return &DeploymentExecutor{
		logger: logger.Named("deployment-executor"),
		docker: docker,
	}
}

// Name implements TaskExecutor.Name
func (e *DeploymentExecutor) Name() string { return "deployment" }

// CanExecute implements TaskExecutor.CanExecute
func (e *DeploymentExecutor) CanExecute(task model.Task) bool {
	return task.Type == model.TaskTypeDeployment && task.Params["image"] != ""
}

// Execute implements TaskExecutor.Execute
func (e *DeploymentExecutor) Execute(ctx context.Context, task model.Task, ectx model.ExecutionContext) (*model.TaskResult, error) {
	start := time.Now()

	image := task.Params["image"]
	var cmd []string
	if raw := task.Params["cmd"]; raw != "" {
		cmd = strings.Fields(raw)
	}

	e.logger.Info("Running deployment container",
		zap.String("task_id", task.ID),
		zap.String("image", image),
		zap.Strings("cmd", cmd))

	created, err := e.docker.ContainerCreate(ctx, &container.Config{
		Image: image,
		Cmd:   cmd,
		Labels: map[string]string{
			"initiative-engine.task":       task.ID,
			"initiative-engine.initiative": ectx.InitiativeID,
		},
	}, nil, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := e.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	statusCh, errCh := e.docker.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("failed waiting for container: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	logs := e.collectLogs(ctx, created.ID)

	if exitCode != 0 {
		return &model.TaskResult{
			TaskID:      task.ID,
			Outcome:     model.OutcomeFailed,
			Error:       fmt.Sprintf("container exited with code %d", exitCode),
			Result:      logs,
			CompletedAt: time.Now(),
			Duration:    time.Since(start),
		}, nil
	}

	return &model.TaskResult{
		TaskID:      task.ID,
		Outcome:     model.OutcomeCompleted,
		Result:      logs,
		CompletedAt: time.Now(),
		Duration:    time.Since(start),
	}, nil
}

// collectLogs reads the container's combined output. Log collection is
// best effort; a failure here never fails the deployment itself.
func (e *DeploymentExecutor) collectLogs(ctx context.Context, containerID string) string {
	reader, err := e.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		e.logger.Warn("Failed to collect container logs",
			zap.String("container_id", containerID),
			zap.Error(err))
		return ""
	}
	defer reader.Close()

	data, err := io.ReadAll(io.LimitReader(reader, 64*1024))
	if err != nil {
		e.logger.Warn("Failed to read container logs",
			zap.String("container_id", containerID),
			zap.Error(err))
		return ""
	}
	return string(data)
}
