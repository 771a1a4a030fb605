package workspace_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"codejudge/internal/judge/workspace"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func populate(t *testing.T, a *workspace.Arena) {
	t.Helper()
	for _, p := range a.Files() {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s failed: %v", p, err)
		}
	}
}

func TestArenaPathsAreUnique(t *testing.T) {
	t.Parallel()
	m, err := workspace.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	a, _ := m.Create("sub/1", 0, "main.cpp", "")
	b, _ := m.Create("sub/1", 0, "main.cpp", "")
	if a.Dir == b.Dir {
		t.Fatalf("expected distinct arenas for the same attempt")
	}
	if !strings.Contains(filepath.Base(a.Dir), "sub_1-a0-") {
		t.Fatalf("unexpected arena name %s", a.Dir)
	}
	if filepath.Base(a.SourcePath) != "main.cpp" || filepath.Base(a.BinaryPath) != "main.bin" {
		t.Fatalf("unexpected arena paths %s %s", a.SourcePath, a.BinaryPath)
	}
	seen := map[string]bool{}
	for _, p := range a.Files() {
		if seen[p] {
			t.Fatalf("duplicate arena file %s", p)
		}
		seen[p] = true
	}
}

func TestCleanupRemovesEverything(t *testing.T) {
	t.Parallel()
	m, _ := workspace.NewManager(t.TempDir())
	a, _ := m.Create("s", 1, "main.cpp", "")
	populate(t, a)

	if left := a.Cleanup(context.Background()); len(left) != 0 {
		t.Fatalf("expected nothing left, got %v", left)
	}
	for _, p := range append(a.Files(), a.Dir) {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected %s removed", p)
		}
	}
	if left := a.Cleanup(context.Background()); len(left) != 0 {
		t.Fatalf("second cleanup must be a no-op, got %v", left)
	}
}

func TestCleanupToleratesMissingFiles(t *testing.T) {
	t.Parallel()
	m, _ := workspace.NewManager(t.TempDir())
	a, _ := m.Create("s", 0, "main.cpp", "")
	// Only the source exists, as after an early compile failure.
	_ = a.WriteSource([]byte("int main(){}"))
	if left := a.Cleanup(context.Background()); len(left) != 0 {
		t.Fatalf("missing files must not be reported, got %v", left)
	}
}

func TestCleanupLogsAndContinuesOnFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	restore := logger.Replace(zap.New(core))
	defer restore()

	var locked string
	remove := func(path string) error {
		if path == locked {
			return errors.New("file is locked")
		}
		return os.Remove(path)
	}
	m, _ := workspace.NewManager(t.TempDir(), workspace.WithRemoveFunc(remove))
	a, _ := m.Create("s", 2, "main.cpp", "")
	populate(t, a)
	locked = a.OutputPath

	left := a.Cleanup(context.Background())
	if len(left) != 2 || left[0] != a.OutputPath || left[1] != a.Dir {
		t.Fatalf("expected locked file and dir left, got %v", left)
	}
	for _, p := range a.Files() {
		if p == locked {
			continue
		}
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected %s removed despite failure", p)
		}
	}
	if logs.FilterMessage("arena cleanup failed").Len() != 2 {
		t.Fatalf("expected two cleanup warnings, got %d", logs.Len())
	}
}

func TestCleanupRemovesFilesLeftByProgram(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	m, _ := workspace.NewManager(root)
	a, _ := m.Create("s1", 0, "main.cpp", "")
	populate(t, a)
	if err := os.WriteFile(filepath.Join(a.Dir, "scratch.txt"), []byte("tmp"), 0o644); err != nil {
		t.Fatalf("write scratch failed: %v", err)
	}
	if err := os.Mkdir(filepath.Join(a.Dir, "tmpdir"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}

	if left := a.Cleanup(context.Background()); len(left) != 0 {
		t.Fatalf("expected nothing left, got %v", left)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read root failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected arena directory removed, found %d entries", len(entries))
	}
}

func TestArenaUsesLanguageBinaryName(t *testing.T) {
	t.Parallel()
	m, _ := workspace.NewManager(t.TempDir())
	a, err := m.Create("s", 0, "Main.java", "Main")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if a.BinaryPath != filepath.Join(a.Dir, "Main") || a.SourcePath != filepath.Join(a.Dir, "Main.java") {
		t.Fatalf("unexpected arena paths %s %s", a.SourcePath, a.BinaryPath)
	}
}
