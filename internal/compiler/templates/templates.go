// Package templates ships the built-in policy documents offered by the compiler API.
package templates

import (
	"embed"
	"io/fs"
	"path"
	"sort"
	"strings"

	dErrors "zkgate/pkg/domain-errors"
)

//go:embed policies/*.json
var policies embed.FS

// Names lists the available templates, sorted.
func Names() []string {
	entries, err := fs.ReadDir(policies, "policies")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names
}

// Get returns a template document by name.
func Get(name string) ([]byte, error) {
	if name == "" || strings.ContainsAny(name, `/\.`) {
		return nil, dErrors.New(dErrors.CodeNotFound, "template not found")
	}
	b, err := policies.ReadFile(path.Join("policies", name+".json"))
	if err != nil {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "template %q not found", name)
	}
	return b, nil
}
