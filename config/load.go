package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// cue.Context is not safe for concurrent use.
var cueMu sync.Mutex

// Load reads the configuration at path. Directories load every .yaml, .yml,
// .cue and .json file they contain in lexical order. Every file is validated
// against the embedded schema before it is decoded, and modules it references
// are loaded relative to the file.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %s: %w", path, err)
	}
	cfg, err := loadPath(abs, make(map[string]struct{}))
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadPath(path string, visited map[string]struct{}) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	}
	if info.IsDir() {
		return loadDir(path, visited)
	}
	return loadFile(path, visited)
}

func loadFile(path string, visited map[string]struct{}) (*Config, error) {
	if _, ok := visited[path]; ok {
		return nil, fmt.Errorf("config include cycle detected at %s", path)
	}
	visited[path] = struct{}{}
	defer delete(visited, path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	own, err := decode(path, data)
	if err != nil {
		return nil, err
	}
	own.setSource(ModuleReference{File: path})

	result := &Config{Name: own.Name, Description: own.Description, Source: own.Source}
	baseDir := filepath.Dir(path)
	for _, mod := range own.Modules {
		modPath := mod.Path
		if !filepath.IsAbs(modPath) {
			modPath = filepath.Join(baseDir, modPath)
		}
		child, err := loadPath(filepath.Clean(modPath), visited)
		if err != nil {
			return nil, fmt.Errorf("%s: module %s: %w", path, mod.Path, err)
		}
		child.applyModuleMetadata(ModuleReference{Name: mod.Name, Description: mod.Description})
		mergeConfig(result, child)
	}
	mergeConfig(result, own)
	result.Modules = own.Modules
	return result, nil
}

func loadDir(path string, visited map[string]struct{}) (*Config, error) {
	if _, ok := visited[path]; ok {
		return nil, fmt.Errorf("config include cycle detected at %s", path)
	}
	visited[path] = struct{}{}
	defer delete(visited, path)

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read config dir %s: %w", path, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	result := &Config{Source: ModuleReference{File: path}}
	for _, entry := range entries {
		if entry.IsDir() || !supportedExt(entry.Name()) {
			continue
		}
		sub, err := loadFile(filepath.Join(path, entry.Name()), visited)
		if err != nil {
			return nil, err
		}
		if result.Name == "" {
			result.Name = sub.Name
			result.Description = sub.Description
		}
		mergeConfig(result, sub)
	}
	return result, nil
}

func supportedExt(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".cue", ".json":
		return true
	}
	return false
}

// Parse validates and decodes a single configuration document. format is one
// of "yaml", "cue" or "json". Module references are kept but not resolved.
func Parse(data []byte, format string) (*Config, error) {
	name := "config." + strings.TrimPrefix(strings.ToLower(format), ".")
	cfg, err := decode(name, data)
	if err != nil {
		return nil, err
	}
	cfg.setSource(ModuleReference{})
	return cfg, nil
}

func decode(path string, data []byte) (*Config, error) {
	cueMu.Lock()
	defer cueMu.Unlock()

	ctx, def, err := schema()
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}

	var value cue.Value
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		var raw interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml %s: %w", path, err)
		}
		if raw == nil {
			raw = map[string]interface{}{}
		}
		value = ctx.Encode(raw)
	case ".cue", ".json":
		value = ctx.CompileBytes(data, cue.Filename(path))
	default:
		return nil, fmt.Errorf("unsupported config format %q for %s", ext, path)
	}
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("load %s: %s", path, cueerrors.Details(err, nil))
	}

	unified := def.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate %s: %s", path, strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &cfg, nil
}
