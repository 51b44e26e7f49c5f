package sandbox

import (
	"errors"

	"github.com/isdmx/execbox/engine"
	"github.com/isdmx/execbox/imagecache"
	"github.com/isdmx/execbox/language"
	"github.com/isdmx/execbox/runner"
	"github.com/isdmx/execbox/workspace"
)

// ErrInvalidRequest rejects requests that cannot be executed as given.
var ErrInvalidRequest = errors.New("invalid request")

// Kind classifies an execution failure.
type Kind string

const (
	KindNone                Kind = ""
	KindUnsupportedLanguage Kind = "unsupported_language"
	KindInvalidRequest      Kind = "invalid_request"
	KindWorkspace           Kind = "workspace_error"
	KindBuildFailed         Kind = "build_failed"
	KindEngineUnavailable   Kind = "engine_unavailable"
	KindRunError            Kind = "run_error"
	KindInternal            Kind = "internal"
)

// Internal reports whether the failure is the service's fault rather than
// the submission's.
func (k Kind) Internal() bool {
	switch k {
	case KindWorkspace, KindEngineUnavailable, KindInternal:
		return true
	}
	return false
}

// Classify maps err onto the failure taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, language.ErrUnsupportedLanguage):
		return KindUnsupportedLanguage
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, imagecache.ErrInvalidDependency):
		return KindInvalidRequest
	case errors.Is(err, engine.ErrEngineUnavailable):
		return KindEngineUnavailable
	case errors.Is(err, workspace.ErrWorkspace):
		return KindWorkspace
	case errors.Is(err, engine.ErrBuildFailed):
		return KindBuildFailed
	case errors.Is(err, runner.ErrRun):
		return KindRunError
	}
	return KindInternal
}
