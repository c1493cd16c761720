package reload

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/timzifer/pvcore/config"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func mustCheck(t *testing.T, w *Watcher) []string {
	t.Helper()
	changed, err := w.Check()
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	return changed
}

func TestUniquePaths(t *testing.T) {
	got := uniquePaths([]string{"", "/db/a.yaml", " ", "/db/b.cue", "/db/a.yaml"})
	want := []string{"/db/a.yaml", "/db/b.cue"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("uniquePaths() = %v, want %v", got, want)
	}
}

func TestWatcherTracksRootAndPVSources(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "plant.yaml")
	motor := filepath.Join(dir, "motor.yaml")
	missing := filepath.Join(dir, "gone.yaml")
	writeFile(t, root, "root")
	writeFile(t, motor, "motor")

	cfg := &config.Config{PVs: []config.PVConfig{
		{Name: "MOTOR:POS", Source: config.ModuleReference{File: motor}},
		{Name: "GHOST", Source: config.ModuleReference{File: missing}},
	}}
	w, err := NewWatcher(root, cfg)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if len(w.seen) != 2 {
		t.Fatalf("tracked %d files, want 2", len(w.seen))
	}
	for _, path := range []string{root, motor} {
		if _, ok := w.seen[path]; !ok {
			t.Fatalf("%s not tracked", path)
		}
	}

	writeFile(t, missing, "now here")
	if changed := mustCheck(t, w); !reflect.DeepEqual(changed, []string{missing}) {
		t.Fatalf("Check() = %v, want [%s]", changed, missing)
	}
}

func TestWatcherReportsEachChangeOnce(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.cue")
	writeFile(t, a, "first")
	writeFile(t, b, "second")

	cfg := &config.Config{
		Source: config.ModuleReference{File: a},
		PVs:    []config.PVConfig{{Name: "B", Source: config.ModuleReference{File: b}}},
	}
	w, err := NewWatcher("", cfg)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if changed := mustCheck(t, w); len(changed) != 0 {
		t.Fatalf("unexpected changes %v", changed)
	}

	time.Sleep(10 * time.Millisecond)
	writeFile(t, a, "first, edited")
	if err := os.Remove(b); err != nil {
		t.Fatalf("remove %s: %v", b, err)
	}
	if changed := mustCheck(t, w); !reflect.DeepEqual(changed, []string{a, b}) {
		t.Fatalf("Check() = %v, want [%s %s]", changed, a, b)
	}
	if changed := mustCheck(t, w); len(changed) != 0 {
		t.Fatalf("changes reported twice: %v", changed)
	}
}

func TestWatcherDirectoryRoot(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "10-base.yaml")
	writeFile(t, base, "base")

	w, err := NewWatcher(dir, &config.Config{})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	extra := filepath.Join(dir, "20-extra.yaml")
	writeFile(t, extra, "extra")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	if changed := mustCheck(t, w); !reflect.DeepEqual(changed, []string{extra}) {
		t.Fatalf("Check() = %v, want [%s]", changed, extra)
	}

	if err := os.Remove(base); err != nil {
		t.Fatalf("remove %s: %v", base, err)
	}
	if changed := mustCheck(t, w); !reflect.DeepEqual(changed, []string{base}) {
		t.Fatalf("Check() = %v, want [%s]", changed, base)
	}
}

func TestNilWatcher(t *testing.T) {
	var w *Watcher
	if err := w.Update("", &config.Config{}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if changed := mustCheck(t, w); changed != nil {
		t.Fatalf("Check() = %v, want nil", changed)
	}
}
