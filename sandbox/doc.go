// Package sandbox provides secure code execution capabilities.
//
// The sandbox package implements the execution orchestrator for running
// untrusted code in isolated containers. An execution moves through the
// stages received, resolved, workspace_ready, image_ready and running before
// ending in completed or failed; the request's workspace is destroyed on
// every terminal stage and the image lease is released once the container
// is gone.
//
// Failures are classified with Classify. Problems caused by the submission
// (unsupported language, bad dependencies, build or run failures) are
// reported in ExecuteResult.Error; only service faults are returned as
// errors.
//
// Usage:
//
//	executor := sandbox.NewExecutor(logger, registry, workspaces, cache, runner)
//	result, err := executor.Execute(ctx, sandbox.ExecuteRequest{
//	    Language: "python",
//	    Code:     "print('Hello, World!')",
//	})
package sandbox
