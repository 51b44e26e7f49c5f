package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/engine"
	"github.com/isdmx/execbox/imagecache"
	"github.com/isdmx/execbox/language"
	"github.com/isdmx/execbox/metrics"
	"github.com/isdmx/execbox/runner"
	"github.com/isdmx/execbox/workspace"
)

const defaultWorkdir = "/usr/src/app"

// Executor implements SandboxExecutor on top of the image cache and the
// container runner
type Executor struct {
	logger     *zap.Logger
	languages  *language.Registry
	workspaces *workspace.Manager
	images     ImageProvider
	runner     ContainerRunner
	workdir    string
}

// ExecutorOption defines a functional option for Executor
type ExecutorOption func(*Executor)

// WithWorkdir sets the container working directory images are built for
func WithWorkdir(dir string) ExecutorOption {
	return func(e *Executor) {
		e.workdir = dir
	}
}

// NewExecutor creates a new Executor
func NewExecutor(
	logger *zap.Logger,
	languages *language.Registry,
	workspaces *workspace.Manager,
	images ImageProvider,
	containerRunner ContainerRunner,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		logger:     logger.Named("sandbox"),
		languages:  languages,
		workspaces: workspaces,
		images:     images,
		runner:     containerRunner,
		workdir:    defaultWorkdir,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// NewFromConfig wires an Executor from its collaborators.
func NewFromConfig(
	cfg *config.Config,
	logger *zap.Logger,
	languages *language.Registry,
	workspaces *workspace.Manager,
	cache *imagecache.Cache,
	containerRunner *runner.Runner,
) *Executor {
	return NewExecutor(logger, languages, workspaces, cache, containerRunner, WithWorkdir(cfg.Sandbox.Workdir))
}

// Execute resolves the language, prepares a workspace, obtains an image and
// runs the code. The workspace is removed on every path out.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (res ExecuteResult, err error) {
	start := time.Now()
	res.Stage = StageReceived
	logger := e.logger.With(zap.String("language", req.Language))

	defer func() {
		if p := recover(); p != nil {
			res, err = e.fail(res, fmt.Errorf("panic during %s: %v", res.Stage, p))
		}
		res.Duration = time.Since(start)
		e.observe(req, res)
		logger.Info("execution finished",
			zap.String("stage", string(res.Stage)),
			zap.String("kind", string(res.Kind)),
			zap.String("image", string(res.Image)),
			zap.Int("exit_code", res.ExitCode),
			zap.Duration("duration", res.Duration),
		)
	}()

	profile, err := e.languages.Lookup(req.Language)
	if err != nil {
		return e.fail(res, err)
	}
	if err := e.validate(profile, req); err != nil {
		return e.fail(res, err)
	}
	res.Stage = StageResolved

	ws, err := e.workspaces.Create()
	if err != nil {
		return e.fail(res, err)
	}
	defer e.workspaces.Destroy(ws)
	logger = logger.With(zap.String("workspace", ws.ID))

	if err := ws.WriteSource(profile.SourceFile(), []byte(req.Code)); err != nil {
		return e.fail(res, err)
	}
	if err := imagecache.WriteContext(ws, profile, e.workdir, req.Dependencies); err != nil {
		return e.fail(res, err)
	}
	res.Stage = StageWorkspaceReady

	imageStart := time.Now()
	lease, err := e.images.GetOrBuild(ctx, imagecache.BuildRequest{
		Language:     profile.Name,
		BaseImage:    profile.Image,
		Dependencies: req.Dependencies,
		ContextDir:   ws.ContextPath(),
	})
	metrics.ExecutionDuration.WithLabelValues(profile.Name, "image").Observe(time.Since(imageStart).Seconds())
	if err != nil {
		var buildErr *engine.BuildError
		if errors.As(err, &buildErr) {
			res.Stderr = buildErr.Log
		}
		return e.fail(res, err)
	}
	defer lease.Release()
	res.Image = lease.Outcome
	res.Stage = StageImageReady
	logger.Debug("image ready", zap.String("ref", lease.Ref), zap.String("outcome", string(lease.Outcome)))

	res.Stage = StageRunning
	out := e.runner.Run(ctx, runner.Spec{
		Image:     lease.Ref,
		SourceDir: ws.SourcePath(),
		Command:   profile.Command(),
		Stdin:     req.Stdin,
		Env:       profile.Environment,
	})
	metrics.ExecutionDuration.WithLabelValues(profile.Name, "run").Observe(out.Duration.Seconds())

	res.Stdout, res.Stderr = out.Stdout, out.Stderr
	res.ExitCode = out.ExitCode
	res.TimedOut, res.Truncated = out.TimedOut, out.Truncated

	if out.Err != nil {
		return e.fail(res, out.Err)
	}
	if out.ExitCode != 0 {
		return e.fail(res, fmt.Errorf("%w: process exited with code %d", runner.ErrRun, out.ExitCode))
	}

	res.Stage = StageCompleted
	return res, nil
}

func (e *Executor) validate(profile language.Profile, req ExecuteRequest) error {
	if strings.TrimSpace(req.Code) == "" {
		return fmt.Errorf("%w: code is empty", ErrInvalidRequest)
	}
	if len(imagecache.NormalizeDependencies(req.Dependencies)) > 0 && !profile.SupportsDependencies() {
		return fmt.Errorf("%w: %s does not support dependencies", ErrInvalidRequest, profile.Name)
	}
	if err := imagecache.ValidateDependencies(req.Dependencies); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// fail records err as the outcome. Only faults the caller did not cause are
// returned as errors; everything else travels in the result.
func (e *Executor) fail(res ExecuteResult, err error) (ExecuteResult, error) {
	res.Kind = Classify(err)
	res.Stage = StageFailed
	res.Error = message(err)

	if res.Kind.Internal() {
		return res, err
	}
	return res, nil
}

func (e *Executor) observe(req ExecuteRequest, res ExecuteResult) {
	lang := strings.ToLower(strings.TrimSpace(req.Language))
	if res.Kind == KindUnsupportedLanguage {
		lang = "unknown"
	}
	result := string(res.Kind)
	if result == "" {
		result = "ok"
	}
	metrics.ExecutionsTotal.WithLabelValues(lang, result).Inc()
	metrics.ExecutionDuration.WithLabelValues(lang, "total").Observe(res.Duration.Seconds())
}

// message renders err for the caller. Build failures carry the engine's
// diagnostic verbatim.
func message(err error) string {
	var buildErr *engine.BuildError
	if errors.As(err, &buildErr) {
		return "build failed: " + buildErr.Message
	}
	return err.Error()
}
