package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
)

const buildLogTail = 4096

// ImageInfo is the engine's view of a local image.
type ImageInfo struct {
	ID      string
	Tags    []string
	Labels  map[string]string
	Created int64
}

// Engine wraps a Docker Engine API client with the image operations the
// cache needs and exposes the raw client to the container runner.
type Engine struct {
	cli    APIClient
	logger *zap.Logger
}

// New connects to the engine named by cfg.Engine.Host, or the DOCKER_HOST
// environment when unset. The connection is lazy; use Ping to verify it.
func New(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Engine.Host != "" {
		opts = append(opts, client.WithHost(cfg.Engine.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: create client: %w", ErrEngineUnavailable, err)
	}

	return NewWithClient(cli, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(cli APIClient, logger *zap.Logger) *Engine {
	return &Engine{cli: cli, logger: logger.Named("engine")}
}

// Client returns the underlying API client.
func (e *Engine) Client() APIClient {
	return e.cli
}

func (e *Engine) Close() error {
	return e.cli.Close()
}

// Ping checks that the engine answers.
func (e *Engine) Ping(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrEngineUnavailable, err)
	}
	return nil
}

// ImageExists asks the engine whether an image tagged ref is present locally.
func (e *Engine) ImageExists(ctx context.Context, ref string) (bool, error) {
	images, err := e.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, wrap("list images", err)
	}
	return len(images) > 0, nil
}

// ListImages returns local images carrying the given label key.
func (e *Engine) ListImages(ctx context.Context, label string) ([]ImageInfo, error) {
	images, err := e.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", label)),
	})
	if err != nil {
		return nil, wrap("list images", err)
	}

	infos := make([]ImageInfo, 0, len(images))
	for _, img := range images {
		infos = append(infos, ImageInfo{
			ID:      img.ID,
			Tags:    img.RepoTags,
			Labels:  img.Labels,
			Created: img.Created,
		})
	}
	return infos, nil
}

// BuildImage builds buildContext (a tar stream containing a Dockerfile) and
// tags the result ref. A build step failure is returned as *BuildError with
// the engine's message.
func (e *Engine) BuildImage(ctx context.Context, ref string, buildContext io.Reader, labels map[string]string) error {
	e.logger.Debug("building image", zap.String("ref", ref))

	resp, err := e.cli.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{ref},
		Dockerfile:  "Dockerfile",
		Labels:      labels,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		if errdefs.IsInvalidParameter(err) {
			return &BuildError{Ref: ref, Message: err.Error()}
		}
		return wrap("build image", err)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	err = jsonmessage.DisplayJSONMessagesStream(resp.Body, &out, 0, false, nil)
	if err != nil {
		var jerr *jsonmessage.JSONError
		if errors.As(err, &jerr) {
			return &BuildError{Ref: ref, Message: jerr.Message, Log: tail(out.String(), buildLogTail)}
		}
		return wrap("read build output", err)
	}

	e.logger.Debug("image built", zap.String("ref", ref))
	return nil
}

// RemoveImage deletes ref. An image that is already gone is not an error.
func (e *Engine) RemoveImage(ctx context.Context, ref string) error {
	_, err := e.cli.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil && !IsNotFound(err) {
		return wrap("remove image", err)
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
