// Package engine talks to the container engine (Docker or a compatible API
// such as Podman's) through the official Docker SDK.
//
// It owns connection setup and error classification: connectivity problems
// are reported as ErrEngineUnavailable and failed builds as *BuildError,
// which matches ErrBuildFailed.
package engine
