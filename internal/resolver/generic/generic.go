// Package generic implements the generic resolver. The generic
// ecosystem currently only checks that its lockfile exists and decodes as
// YAML; no components, environment variables, or project files are emitted.
package generic

import (
	"context"

	lockgeneric "github.com/containerbuildsystem/cachi2-go/internal/lock/generic"
	"github.com/containerbuildsystem/cachi2-go/internal/project"
	"github.com/containerbuildsystem/cachi2-go/internal/rootedpath"
	"github.com/containerbuildsystem/cachi2-go/internal/sbom"
)

// Result is one resolved package's contribution to the merged RequestOutput.
type Result struct {
	Components   []sbom.Component
	EnvVars      []project.EnvironmentVariable
	ProjectFiles []project.ProjectFile
}

// Resolver implements the presence-only generic ecosystem.
type Resolver struct{}

// Resolve checks the generic lockfile and returns an empty output.
func (r *Resolver) Resolve(_ context.Context, sourceRoot rootedpath.RootedPath, pkgRelPath string) (*Result, error) {
	if err := lockgeneric.Check(sourceRoot, pkgRelPath); err != nil {
		return nil, err
	}
	return &Result{}, nil
}
