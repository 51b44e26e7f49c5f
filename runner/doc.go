// Package runner executes a command inside a fresh container created from a
// prepared image.
//
// Each run creates an auto-removed container with memory, CPU, PID and
// network limits, copies the source directory into its working directory,
// feeds stdin over the attach stream and collects demultiplexed output until
// the stream ends. The container is force-removed on every exit path.
package runner
