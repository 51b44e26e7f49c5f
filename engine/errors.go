package engine

import (
	"errors"
	"fmt"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

var (
	// ErrEngineUnavailable means the container engine could not be reached.
	ErrEngineUnavailable = errors.New("container engine unavailable")
	// ErrBuildFailed means the engine rejected or failed an image build.
	ErrBuildFailed = errors.New("image build failed")
)

// BuildError carries the diagnostic reported by the engine for a failed build.
type BuildError struct {
	Ref     string
	Message string
	// Log is the tail of the build output preceding the failure.
	Log string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s: %s", e.Ref, e.Message)
}

// Is makes errors.Is(err, ErrBuildFailed) match any *BuildError.
func (e *BuildError) Is(target error) bool {
	return target == ErrBuildFailed
}

// IsUnavailable reports whether err means the engine cannot be reached.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrEngineUnavailable) || client.IsErrConnectionFailed(err) || errdefs.IsUnavailable(err)
}

// IsNotFound reports whether err is the engine's "no such object" error.
func IsNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}

// wrap annotates err with op and tags connectivity failures with
// ErrEngineUnavailable.
func wrap(op string, err error) error {
	if IsUnavailable(err) && !errors.Is(err, ErrEngineUnavailable) {
		return fmt.Errorf("%w: %s: %w", ErrEngineUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Wrap is wrap for callers outside the package that talk to APIClient directly.
func Wrap(op string, err error) error {
	return wrap(op, err)
}
