package workflow

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/carbonflow/types"
)

//go:embed templates/*.yaml
var builtinTemplates embed.FS

// BuiltinTemplates returns the workflow templates shipped with the binary.
func BuiltinTemplates() ([]*Definition, error) {
	sub, err := fs.Sub(builtinTemplates, "templates")
	if err != nil {
		return nil, err
	}
	return loadTemplates(sub)
}

// LoadTemplateDir reads every .yaml/.yml/.json definition in dir.
func LoadTemplateDir(dir string) ([]*Definition, error) {
	return loadTemplates(os.DirFS(dir))
}

func loadTemplates(fsys fs.FS) ([]*Definition, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read templates: %w", err)
	}

	var names []string
	for _, e := range entries {
		switch path.Ext(e.Name()) {
		case ".yaml", ".yml", ".json":
			if !e.IsDir() {
				names = append(names, e.Name())
			}
		}
	}
	sort.Strings(names)

	defs := make([]*Definition, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			data, err := fs.ReadFile(fsys, name)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			var def *Definition
			if path.Ext(name) == ".json" {
				def, err = DefinitionFromJSON(data)
			} else {
				def, err = DefinitionFromYAML(data)
			}
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			defs[i] = def
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return defs, nil
}

// InstallTemplates creates every template whose id is not registered yet
// and returns how many were created.
func (s *Service) InstallTemplates(ctx context.Context, defs []*Definition) (int, error) {
	installed := 0
	for _, def := range defs {
		if def.ID != "" {
			if _, err := s.registry.Get(ctx, def.ID); err == nil {
				continue
			} else if !types.IsCode(err, types.ErrNotFound) {
				return installed, err
			}
		}
		if _, err := s.CreateWorkflow(ctx, def); err != nil {
			return installed, fmt.Errorf("template %q: %w", def.Name, err)
		}
		installed++
	}
	return installed, nil
}
