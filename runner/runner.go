package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/engine"
	"github.com/isdmx/execbox/metrics"
	"github.com/isdmx/execbox/workspace"
)

// ErrRun means the container could not be run to completion: it failed to
// start, its output stream broke, or it hit a resource limit.
var ErrRun = errors.New("run error")

// LabelManaged marks containers started by the runner.
const LabelManaged = "execbox.managed"

const (
	removeTimeout = 30 * time.Second
	exitGrace     = 10 * time.Second
	oomExitCode   = 137
)

// Limits are applied to every container.
type Limits struct {
	MemoryBytes    int64
	CPUShares      int64
	PidsLimit      int64
	NetworkMode    string
	DNS            []string
	Workdir        string
	Timeout        time.Duration
	MaxOutputBytes int
}

// Spec describes one run.
type Spec struct {
	Image string
	// SourceDir is copied into the working directory before start.
	SourceDir string
	// Command runs through sh -c.
	Command string
	Stdin   string
	Env     map[string]string
}

// Result is the outcome of a run. Err is set when the run itself failed;
// a program that exits non-zero is not an error at this level.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	TimedOut  bool
	OOMKilled bool
	Truncated bool
	Duration  time.Duration
	Err       error
}

type phase string

const (
	phaseCreate phase = "create"
	phaseInject phase = "inject"
	phaseAttach phase = "attach"
	phaseStart  phase = "start"
	phaseStream phase = "stream"
	phaseWait   phase = "wait"
)

// containerRun is the state owned by a single Run call.
type containerRun struct {
	id     string
	phase  phase
	attach *types.HijackedResponse
}

// Runner runs programs in short-lived, resource-capped containers.
type Runner struct {
	cli    engine.APIClient
	limits Limits
	logger *zap.Logger
}

func New(cli engine.APIClient, limits Limits, logger *zap.Logger) *Runner {
	return &Runner{cli: cli, limits: limits, logger: logger.Named("runner")}
}

// NewFromConfig reads limits from the sandbox config section.
func NewFromConfig(cfg *config.Config, eng *engine.Engine, logger *zap.Logger) *Runner {
	return New(eng.Client(), Limits{
		MemoryBytes:    int64(cfg.Sandbox.MemoryMB) * 1024 * 1024,
		CPUShares:      int64(cfg.Sandbox.CPUShares),
		PidsLimit:      int64(cfg.Sandbox.PidsLimit),
		NetworkMode:    cfg.Sandbox.NetworkMode,
		DNS:            cfg.Sandbox.DNS,
		Workdir:        cfg.Sandbox.Workdir,
		Timeout:        cfg.GetTimeout(),
		MaxOutputBytes: cfg.Sandbox.MaxOutputKB * 1024,
	}, logger)
}

// Run executes spec and always removes the container, whatever happens.
// It never panics and never returns errors other than through Result.Err.
func (r *Runner) Run(ctx context.Context, spec Spec) (res Result) {
	start := time.Now()
	run := &containerRun{}

	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("%w: panic during %s: %v", ErrRun, run.phase, p)
		}
		r.release(run)
		res.Duration = time.Since(start)
		metrics.ContainerRuns.WithLabelValues(termination(res)).Inc()
		r.logger.Debug("container run finished",
			zap.String("container", run.id),
			zap.String("phase", string(run.phase)),
			zap.Int("exit_code", res.ExitCode),
			zap.Bool("timed_out", res.TimedOut),
			zap.Duration("duration", res.Duration),
			zap.Error(res.Err),
		)
	}()

	ctx, cancel := context.WithTimeout(ctx, r.limits.Timeout)
	defer cancel()

	run.phase = phaseCreate
	created, err := r.cli.ContainerCreate(ctx, r.containerConfig(spec), r.hostConfig(), nil, nil, "")
	if err != nil {
		res.Err = r.fail(run, err)
		return res
	}
	run.id = created.ID

	run.phase = phaseInject
	archive, err := workspace.CreateTarFromDir(spec.SourceDir)
	if err != nil {
		res.Err = fmt.Errorf("%w: package source: %w", workspace.ErrWorkspace, err)
		return res
	}
	err = r.cli.CopyToContainer(ctx, run.id, r.limits.Workdir, bytes.NewReader(archive), types.CopyToContainerOptions{})
	if err != nil {
		res.Err = r.fail(run, err)
		return res
	}

	// Register for the exit before starting; with AutoRemove the container
	// may be gone by the time a later wait would be issued.
	run.phase = phaseAttach
	waitCtx, waitCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer waitCancel()
	statusCh, waitErrCh := r.cli.ContainerWait(waitCtx, run.id, container.WaitConditionNextExit)

	hijacked, err := r.cli.ContainerAttach(ctx, run.id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		res.Err = r.fail(run, err)
		return res
	}
	run.attach = &hijacked

	run.phase = phaseStart
	if err := r.cli.ContainerStart(ctx, run.id, container.StartOptions{}); err != nil {
		res.Err = r.fail(run, err)
		return res
	}
	metrics.ActiveContainers.Inc()
	defer metrics.ActiveContainers.Dec()

	run.phase = phaseStream
	stdout := newCappedBuffer(r.limits.MaxOutputBytes)
	stderr := newCappedBuffer(r.limits.MaxOutputBytes)
	streamDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, hijacked.Reader)
		streamDone <- err
	}()

	// A program that never reads its input can block the write
	// indefinitely; closing the connection releases it.
	stdinDone := make(chan struct{})
	go func() {
		defer close(stdinDone)
		r.feedStdin(run.id, hijacked, spec.Stdin)
	}()

	// End of the output stream marks completion.
	select {
	case err := <-streamDone:
		if err != nil {
			res.Err = r.fail(run, err)
		}
		select {
		case <-stdinDone:
		case <-time.After(exitGrace):
			hijacked.Close()
			<-stdinDone
		}
	case <-ctx.Done():
		res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		r.kill(run)
		hijacked.Close()
		<-stdinDone
		select {
		case <-streamDone:
		case <-time.After(exitGrace):
		}
		if res.TimedOut {
			res.Err = fmt.Errorf("%w: execution timed out after %s", ErrRun, r.limits.Timeout)
		} else {
			res.Err = r.fail(run, ctx.Err())
		}
	}

	res.Stdout, res.Stderr = stdout.String(), stderr.String()
	res.Truncated = stdout.Truncated() || stderr.Truncated()

	run.phase = phaseWait
	select {
	case status := <-statusCh:
		res.ExitCode = int(status.StatusCode)
		if status.Error != nil && status.Error.Message != "" && res.Err == nil {
			res.Err = fmt.Errorf("%w: %s", ErrRun, status.Error.Message)
		}
	case err := <-waitErrCh:
		if res.Err == nil {
			res.Err = r.fail(run, err)
		}
	case <-time.After(exitGrace):
		if res.Err == nil {
			res.Err = fmt.Errorf("%w: no exit status after output closed", ErrRun)
		}
	}

	if res.ExitCode == oomExitCode && !res.TimedOut && res.Err == nil {
		res.OOMKilled = true
		res.Err = fmt.Errorf("%w: process killed, memory limit of %d MB likely exceeded", ErrRun, r.limits.MemoryBytes/(1024*1024))
	}

	return res
}

func (r *Runner) containerConfig(spec Spec) *container.Config {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	slices.Sort(env)

	return &container.Config{
		Image:           spec.Image,
		Cmd:             []string{"sh", "-c", spec.Command},
		Env:             env,
		WorkingDir:      r.limits.Workdir,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		OpenStdin:       true,
		StdinOnce:       true,
		NetworkDisabled: r.networkDisabled(),
		Labels:          map[string]string{LabelManaged: "true"},
	}
}

func (r *Runner) hostConfig() *container.HostConfig {
	pids := r.limits.PidsLimit
	hc := &container.HostConfig{
		AutoRemove:  true,
		NetworkMode: container.NetworkMode(r.limits.NetworkMode),
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Resources: container.Resources{
			Memory:     r.limits.MemoryBytes,
			MemorySwap: r.limits.MemoryBytes,
			CPUShares:  r.limits.CPUShares,
			PidsLimit:  &pids,
		},
	}
	// the engine rejects DNS servers on a container without networking
	if !r.networkDisabled() {
		hc.DNS = r.limits.DNS
	}
	return hc
}

func (r *Runner) networkDisabled() bool {
	return r.limits.NetworkMode == "none"
}

func (r *Runner) fail(run *containerRun, err error) error {
	if engine.IsUnavailable(err) {
		return engine.Wrap(string(run.phase)+" container", err)
	}
	return fmt.Errorf("%w: %s: %w", ErrRun, run.phase, err)
}

func (r *Runner) feedStdin(id string, hijacked types.HijackedResponse, stdin string) {
	if stdin != "" {
		if _, err := io.WriteString(hijacked.Conn, stdin); err != nil {
			r.logger.Debug("stdin not fully written", zap.String("container", id), zap.Error(err))
		}
	}
	if err := hijacked.CloseWrite(); err != nil {
		r.logger.Debug("close stdin", zap.String("container", id), zap.Error(err))
	}
}

func (r *Runner) kill(run *containerRun) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := r.cli.ContainerKill(ctx, run.id, "KILL"); err != nil && !engine.IsNotFound(err) {
		r.logger.Warn("failed to kill container", zap.String("container", run.id), zap.Error(err))
	}
}

// release closes the attach stream and force-removes the container. A
// container already removed by AutoRemove is not an error.
func (r *Runner) release(run *containerRun) {
	if run.attach != nil {
		run.attach.Close()
	}
	if run.id == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	err := r.cli.ContainerRemove(ctx, run.id, container.RemoveOptions{Force: true})
	if err != nil && !engine.IsNotFound(err) && !errdefs.IsConflict(err) {
		r.logger.Warn("failed to remove container", zap.String("container", run.id), zap.Error(err))
	}
}

func termination(res Result) string {
	switch {
	case res.TimedOut:
		return "timeout"
	case res.OOMKilled:
		return "oom"
	case res.Err != nil:
		return "error"
	default:
		return "exited"
	}
}
