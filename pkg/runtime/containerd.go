package runtime

import (
	"context"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/rs/zerolog"

	"github.com/foamflask/foamflask/pkg/log"
)

const (
	// DefaultNamespace is the containerd namespace for solver runs
	DefaultNamespace = "foamflask"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// stopGrace is how long a cancelled run gets after SIGTERM
	stopGrace = 10 * time.Second
)

// ContainerdRuntime runs solver commands in containerd containers
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	logger    zerolog.Logger
}

// NewContainerdRuntime connects to containerd. Empty arguments select the
// defaults.
func NewContainerdRuntime(socketPath, namespace string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: namespace,
		logger:    log.WithComponent("runtime"),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Ping reports whether the containerd daemon answers
func (r *ContainerdRuntime) Ping(ctx context.Context) error {
	ok, err := r.client.IsServing(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach containerd: %w", err)
	}
	if !ok {
		return fmt.Errorf("containerd is not serving")
	}
	return nil
}

// ensureImage returns the image, pulling it when it is not present locally
func (r *ContainerdRuntime) ensureImage(ctx context.Context, ref string) (containerd.Image, error) {
	if image, err := r.client.GetImage(ctx, ref); err == nil {
		return image, nil
	}

	r.logger.Info().Str("image", ref).Msg("Pulling image")
	image, err := r.client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return image, nil
}

// Run creates a container for spec and starts it. The returned execution
// streams the combined output; cancelling ctx stops the container.
func (r *ContainerdRuntime) Run(ctx context.Context, spec RunSpec) (*Execution, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.ensureImage(ctx, spec.Image)
	if err != nil {
		return nil, err
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs(spec.Args()...),
		oci.WithProcessCwd("/"),
		oci.WithMounts(spec.Mounts()),
	}
	if len(spec.Env) > 0 {
		opts = append(opts, oci.WithEnv(spec.Env))
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	pr, pw := io.Pipe()
	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, pw, pw)))
	if err != nil {
		pw.Close()
		r.cleanup(container)
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	// wait must be registered before start or a fast exit is missed
	statusC, err := task.Wait(ctx)
	if err != nil {
		pw.Close()
		r.cleanup(container)
		return nil, fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		pw.Close()
		r.cleanup(container)
		return nil, fmt.Errorf("failed to start task: %w", err)
	}

	exec := NewExecution(spec.ID, pr)
	go r.supervise(ctx, container, task, statusC, pw, exec)
	return exec, nil
}

// supervise waits for the task to exit, stopping it when ctx is cancelled,
// then releases the container
func (r *ContainerdRuntime) supervise(ctx context.Context, container containerd.Container, task containerd.Task,
	statusC <-chan containerd.ExitStatus, pw *io.PipeWriter, exec *Execution) {
	bg := namespaces.WithNamespace(context.Background(), r.namespace)
	logger := r.logger.With().Str("container", container.ID()).Logger()

	var status containerd.ExitStatus
	select {
	case status = <-statusC:
	case <-ctx.Done():
		logger.Info().Msg("Run cancelled, stopping container")
		_ = task.Kill(bg, syscall.SIGTERM)
		select {
		case status = <-statusC:
		case <-time.After(stopGrace):
			_ = task.Kill(bg, syscall.SIGKILL)
			status = <-statusC
		}
	}

	if tio := task.IO(); tio != nil {
		tio.Wait()
	}
	code, _, err := status.Result()
	if _, derr := task.Delete(bg); derr != nil {
		logger.Warn().Err(derr).Msg("Failed to delete task")
	}
	r.cleanup(container)

	pw.Close()
	exec.Finish(int(code), err)
	logger.Debug().Uint32("exit_code", code).Msg("Container exited")
}

func (r *ContainerdRuntime) cleanup(container containerd.Container) {
	bg := namespaces.WithNamespace(context.Background(), r.namespace)
	if err := container.Delete(bg, containerd.WithSnapshotCleanup); err != nil {
		r.logger.Warn().Err(err).Str("container", container.ID()).Msg("Failed to delete container")
	}
}

// StopContainer stops a running container, escalating to SIGKILL after
// timeout
func (r *ContainerdRuntime) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// not running
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}
	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}
	return nil
}

// ListContainers returns the IDs of every container in the namespace
func (r *ContainerdRuntime) ListContainers(ctx context.Context) ([]string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}
	return ids, nil
}
