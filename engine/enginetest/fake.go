// Package enginetest provides an in-memory engine.APIClient for tests.
package enginetest

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// ErrDaemonDown is what the fake returns from every call once Down is set.
var ErrDaemonDown = errdefs.Unavailable(errors.New("Cannot connect to the Docker daemon"))

// Outcome is what a fake container does when its stdin is closed.
type Outcome struct {
	Stdout   string
	Stderr   string
	ExitCode int64
	// Hang keeps the container running until it is killed.
	Hang bool
}

// Program decides a container's behavior from the files copied into it and
// the bytes written to its stdin.
type Program func(c *Container, stdin []byte) Outcome

// BuildHook runs for every ImageBuild. A non-nil error is reported in the
// build output stream the way the engine reports a failed RUN step.
type BuildHook func(ref, dockerfile string) error

// Container records everything the fake saw for one container.
type Container struct {
	ID         string
	Config     *container.Config
	HostConfig *container.HostConfig
	Files      map[string][]byte
	Started    bool
	Killed     bool
	Removed    bool

	stdin  *stdinConn
	output *io.PipeWriter
	status chan container.WaitResponse
	done   chan struct{}
	once   sync.Once
}

// Client is a fake engine.APIClient.
type Client struct {
	mu sync.Mutex

	// Down makes every call fail with ErrDaemonDown.
	Down bool

	Program   Program
	BuildHook BuildHook

	// BlockStdin makes stdin writes block until the attach connection is
	// closed, like a program that never reads its input.
	BlockStdin bool

	images     map[string]image.Summary
	builds     []string
	removed    []string
	containers []*Container
	nextID     int
}

// New returns an empty fake whose containers exit 0 with no output.
func New() *Client {
	return &Client{images: make(map[string]image.Summary)}
}

func (c *Client) down() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Down {
		return ErrDaemonDown
	}
	return nil
}

// SetDown toggles engine availability.
func (c *Client) SetDown(down bool) {
	c.mu.Lock()
	c.Down = down
	c.mu.Unlock()
}

// AddImage registers a local image tagged ref.
func (c *Client) AddImage(ref string, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images[ref] = image.Summary{
		ID:       "sha256:" + ref,
		RepoTags: []string{ref},
		Labels:   labels,
		Created:  time.Now().Unix(),
	}
}

// DeleteImage removes ref behind the cache's back.
func (c *Client) DeleteImage(ref string) {
	c.mu.Lock()
	delete(c.images, ref)
	c.mu.Unlock()
}

// HasImage reports whether ref is present.
func (c *Client) HasImage(ref string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.images[ref]
	return ok
}

// Builds returns the refs passed to ImageBuild, in order.
func (c *Client) Builds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.builds...)
}

// Removed returns the refs passed to ImageRemove, in order.
func (c *Client) Removed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.removed...)
}

// Containers returns every container created so far.
func (c *Client) Containers() []*Container {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Container(nil), c.containers...)
}

func (c *Client) container(id string) (*Container, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ctr := range c.containers {
		if ctr.ID == id {
			return ctr, nil
		}
	}
	return nil, errdefs.NotFound(fmt.Errorf("No such container: %s", id))
}

func (c *Client) Close() error { return nil }

func (c *Client) Ping(ctx context.Context) (types.Ping, error) {
	if err := c.down(); err != nil {
		return types.Ping{}, err
	}
	return types.Ping{APIVersion: "1.47"}, nil
}

func (c *Client) ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	if err := c.down(); err != nil {
		return types.ImageBuildResponse{}, err
	}
	if len(options.Tags) == 0 {
		return types.ImageBuildResponse{}, errdefs.InvalidParameter(errors.New("no tag"))
	}
	ref := options.Tags[0]

	dockerfile, err := readDockerfile(buildContext)
	if err != nil {
		return types.ImageBuildResponse{}, errdefs.InvalidParameter(err)
	}

	c.mu.Lock()
	c.builds = append(c.builds, ref)
	hook := c.BuildHook
	c.mu.Unlock()

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	_ = enc.Encode(map[string]string{"stream": "Step 1/1 : " + firstLine(dockerfile) + "\n"})

	if hook != nil {
		if err := hook(ref, dockerfile); err != nil {
			_ = enc.Encode(map[string]any{
				"errorDetail": map[string]any{"code": 1, "message": err.Error()},
				"error":       err.Error(),
			})
			return types.ImageBuildResponse{Body: io.NopCloser(&body)}, nil
		}
	}

	c.AddImage(ref, options.Labels)
	_ = enc.Encode(map[string]string{"stream": "Successfully tagged " + ref + "\n"})
	return types.ImageBuildResponse{Body: io.NopCloser(&body)}, nil
}

func (c *Client) ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
	if err := c.down(); err != nil {
		return nil, err
	}

	refs := options.Filters.Get("reference")
	labels := options.Filters.Get("label")

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []image.Summary
	for ref, img := range c.images {
		if len(refs) > 0 && !contains(refs, ref) {
			continue
		}
		if !hasLabels(img.Labels, labels) {
			continue
		}
		out = append(out, img)
	}
	return out, nil
}

func (c *Client) ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error) {
	if err := c.down(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, imageID)
	if _, ok := c.images[imageID]; !ok {
		return nil, errdefs.NotFound(fmt.Errorf("No such image: %s", imageID))
	}
	delete(c.images, imageID)
	return []image.DeleteResponse{{Untagged: imageID}}, nil
}

func (c *Client) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error) {
	if err := c.down(); err != nil {
		return container.CreateResponse{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.images[config.Image]; !ok {
		return container.CreateResponse{}, errdefs.NotFound(fmt.Errorf("No such image: %s", config.Image))
	}

	ctr := &Container{
		ID:         fmt.Sprintf("container-%d", c.nextID),
		Config:     config,
		HostConfig: hostConfig,
		Files:      make(map[string][]byte),
		status:     make(chan container.WaitResponse, 1),
		done:       make(chan struct{}),
	}
	c.nextID++
	c.containers = append(c.containers, ctr)
	return container.CreateResponse{ID: ctr.ID}, nil
}

func (c *Client) CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options types.CopyToContainerOptions) error {
	if err := c.down(); err != nil {
		return err
	}
	ctr, err := c.container(containerID)
	if err != nil {
		return err
	}

	files, err := readArchive(content)
	if err != nil {
		return errdefs.InvalidParameter(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, data := range files {
		ctr.Files[strings.TrimSuffix(dstPath, "/")+"/"+name] = data
	}
	return nil
}

func (c *Client) ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error) {
	if err := c.down(); err != nil {
		return types.HijackedResponse{}, err
	}
	ctr, err := c.container(containerID)
	if err != nil {
		return types.HijackedResponse{}, err
	}

	pr, pw := io.Pipe()
	conn := &stdinConn{reader: pr, closed: make(chan struct{}), shut: make(chan struct{})}

	c.mu.Lock()
	conn.block = c.BlockStdin
	ctr.stdin = conn
	ctr.output = pw
	c.mu.Unlock()

	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(conn)}, nil
}

func (c *Client) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	if err := c.down(); err != nil {
		return err
	}
	ctr, err := c.container(containerID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ctr.Started = true
	program := c.Program
	c.mu.Unlock()

	go c.run(ctr, program)
	return nil
}

func (c *Client) run(ctr *Container, program Program) {
	var stdin []byte
	if ctr.stdin != nil {
		select {
		case <-ctr.stdin.closed:
			stdin = ctr.stdin.Bytes()
		case <-ctr.done:
			return
		}
	}

	var outcome Outcome
	if program != nil {
		outcome = program(ctr, stdin)
	}

	if ctr.output != nil {
		if outcome.Stdout != "" {
			_, _ = stdcopy.NewStdWriter(ctr.output, stdcopy.Stdout).Write([]byte(outcome.Stdout))
		}
		if outcome.Stderr != "" {
			_, _ = stdcopy.NewStdWriter(ctr.output, stdcopy.Stderr).Write([]byte(outcome.Stderr))
		}
	}

	if outcome.Hang {
		<-ctr.done
		return
	}
	ctr.exit(outcome.ExitCode)
}

func (ctr *Container) exit(code int64) {
	ctr.once.Do(func() {
		if ctr.output != nil {
			_ = ctr.output.Close()
		}
		ctr.status <- container.WaitResponse{StatusCode: code}
		close(ctr.done)
	})
}

func (c *Client) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	errCh := make(chan error, 1)
	if err := c.down(); err != nil {
		errCh <- err
		return nil, errCh
	}
	ctr, err := c.container(containerID)
	if err != nil {
		errCh <- err
		return nil, errCh
	}
	return ctr.status, errCh
}

func (c *Client) ContainerKill(ctx context.Context, containerID, signal string) error {
	ctr, err := c.container(containerID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ctr.Killed = true
	c.mu.Unlock()
	ctr.exit(137)
	return nil
}

func (c *Client) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	ctr, err := c.container(containerID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ctr.Removed = true
	c.mu.Unlock()
	if options.Force {
		ctr.exit(137)
	}
	return nil
}

// stdinConn is the client side of a hijacked attach connection. Reads come
// from the container's multiplexed output; writes are the container's stdin.
type stdinConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	reader *io.PipeReader
	closed chan struct{}
	once   sync.Once

	block    bool
	shut     chan struct{}
	shutOnce sync.Once
}

func (s *stdinConn) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *stdinConn) Write(p []byte) (int, error) {
	if s.block {
		<-s.shut
		return 0, net.ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *stdinConn) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

func (s *stdinConn) CloseWrite() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *stdinConn) Close() error {
	s.shutOnce.Do(func() { close(s.shut) })
	return s.CloseWrite()
}

func (s *stdinConn) LocalAddr() net.Addr              { return fakeAddr("local") }
func (s *stdinConn) RemoteAddr() net.Addr             { return fakeAddr("remote") }
func (s *stdinConn) SetDeadline(time.Time) error      { return nil }
func (s *stdinConn) SetReadDeadline(time.Time) error  { return nil }
func (s *stdinConn) SetWriteDeadline(time.Time) error { return nil }

type fakeAddr string

func (a fakeAddr) Network() string { return string(a) }
func (a fakeAddr) String() string  { return string(a) }

func readArchive(r io.Reader) (map[string][]byte, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		files[hdr.Name] = data
	}
}

func readDockerfile(r io.Reader) (string, error) {
	files, err := readArchive(r)
	if err != nil {
		return "", err
	}
	data, ok := files["Dockerfile"]
	if !ok {
		return "", errors.New("Cannot locate specified Dockerfile: Dockerfile")
	}
	return string(data), nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func hasLabels(labels map[string]string, want []string) bool {
	for _, w := range want {
		key, value, hasValue := strings.Cut(w, "=")
		got, ok := labels[key]
		if !ok || (hasValue && got != value) {
			return false
		}
	}
	return true
}
