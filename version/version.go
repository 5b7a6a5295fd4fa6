// Package version reports the service's build identity for the operator
// surface.
package version

import (
	"runtime/debug"
	"sort"
)

// Service identity. Version is overridden at build time via -ldflags.
var (
	ServiceName = "qsr-bridge"
	Version     = "dev"
)

// Dependency is one module dependency of the running binary.
type Dependency struct {
	Path    string `json:"path"`
	Version string `json:"version"`
}

// Info is the payload of the version endpoint.
type Info struct {
	Service      string       `json:"service"`
	Version      string       `json:"version"`
	GoVersion    string       `json:"go_version"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// Build reads the embedded module information. Dependencies are limited to
// the operationally interesting ones unless full is set.
func Build(full bool) Info {
	out := Info{Service: ServiceName, Version: Version}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = info.GoVersion
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		out.Version = info.Main.Version
	}

	interesting := map[string]bool{
		"github.com/neo4j/neo4j-go-driver/v5": true,
		"github.com/labstack/echo/v4":         true,
		"go.etcd.io/bbolt":                    true,
		"github.com/redis/go-redis/v9":        true,
	}
	for _, dep := range info.Deps {
		if full || interesting[dep.Path] {
			out.Dependencies = append(out.Dependencies, Dependency{Path: dep.Path, Version: dep.Version})
		}
	}
	sort.Slice(out.Dependencies, func(i, j int) bool {
		return out.Dependencies[i].Path < out.Dependencies[j].Path
	})
	return out
}
