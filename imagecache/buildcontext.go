package imagecache

import (
	"fmt"
	"strings"

	"github.com/isdmx/execbox/language"
	"github.com/isdmx/execbox/workspace"
)

const dockerfileName = "Dockerfile"

// RenderDockerfile returns the build instructions for profile with deps
// installed on top of the base image. Source code is not part of the image;
// it is injected into each container at run time.
func RenderDockerfile(profile language.Profile, workdir string, deps []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", profile.Image)
	fmt.Fprintf(&b, "WORKDIR %s\n", workdir)

	if profile.RequiresManifest() {
		fmt.Fprintf(&b, "COPY %s ./\n", profile.Manifest.Name)
		if profile.Manifest.Install != "" {
			fmt.Fprintf(&b, "RUN %s\n", profile.Manifest.Install)
		}
	}

	if deps = NormalizeDependencies(deps); len(deps) > 0 && profile.SupportsDependencies() {
		fmt.Fprintf(&b, "COPY %s ./\n", profile.Dependencies.File)
		fmt.Fprintf(&b, "RUN %s\n", profile.Dependencies.Install)
	}

	return b.String()
}

// WriteContext writes the Dockerfile, the manifest and the dependency list
// into the workspace build context directory.
func WriteContext(ws *workspace.Workspace, profile language.Profile, workdir string, deps []string) error {
	deps = NormalizeDependencies(deps)
	if len(deps) > 0 && !profile.SupportsDependencies() {
		return fmt.Errorf("%w: %s does not support dependencies", ErrInvalidDependency, profile.Name)
	}
	if err := ValidateDependencies(deps); err != nil {
		return err
	}

	if profile.RequiresManifest() {
		if err := ws.WriteContext(profile.Manifest.Name, []byte(profile.Manifest.Template)); err != nil {
			return err
		}
	}

	if len(deps) > 0 {
		list := strings.Join(deps, "\n") + "\n"
		if err := ws.WriteContext(profile.Dependencies.File, []byte(list)); err != nil {
			return err
		}
	}

	return ws.WriteContext(dockerfileName, []byte(RenderDockerfile(profile, workdir, deps)))
}
