package sandbox

import (
	"context"
	"time"

	"github.com/isdmx/execbox/imagecache"
	"github.com/isdmx/execbox/runner"
)

// ExecuteRequest represents the parameters for code execution
type ExecuteRequest struct {
	Language     string
	Code         string
	Stdin        string
	Dependencies []string
}

// ExecuteResult represents the result of code execution. Error is set for
// any failure, including failures caused by the submitted code itself.
type ExecuteResult struct {
	Stdout    string
	Stderr    string
	Error     string
	Kind      Kind
	ExitCode  int
	Stage     Stage
	Image     imagecache.Outcome
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// SandboxExecutor defines the interface for sandbox execution. The returned
// error is non-nil only for faults unrelated to the submission.
type SandboxExecutor interface {
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
}

// ImageProvider supplies the image a request runs in.
type ImageProvider interface {
	GetOrBuild(ctx context.Context, req imagecache.BuildRequest) (*imagecache.Lease, error)
}

// ContainerRunner runs a command in a container.
type ContainerRunner interface {
	Run(ctx context.Context, spec runner.Spec) runner.Result
}

// Stage is a step of an execution's lifecycle
type Stage string

const (
	StageReceived       Stage = "received"
	StageResolved       Stage = "resolved"
	StageWorkspaceReady Stage = "workspace_ready"
	StageImageReady     Stage = "image_ready"
	StageRunning        Stage = "running"
	StageCompleted      Stage = "completed"
	StageFailed         Stage = "failed"
)
