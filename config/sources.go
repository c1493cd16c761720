package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SourceFiles lists the absolute paths of the files that declared the
// configuration or any of its PVs. Directories are skipped.
func SourceFiles(cfg *Config) []string {
	if cfg == nil {
		return nil
	}
	refs := make([]ModuleReference, 0, len(cfg.PVs)+1)
	refs = append(refs, cfg.Source)
	for _, p := range cfg.PVs {
		refs = append(refs, p.Source)
	}

	set := make(map[string]bool, len(refs))
	for _, ref := range refs {
		file := strings.TrimSpace(ref.File)
		if file == "" || isDir(file) {
			continue
		}
		if abs, err := filepath.Abs(file); err == nil {
			file = abs
		}
		set[file] = true
	}
	out := make([]string, 0, len(set))
	for file := range set {
		out = append(out, file)
	}
	sort.Strings(out)
	return out
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
