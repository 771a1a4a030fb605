// Package workspace manages the per-attempt scratch directories.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	inputName    = "input.txt"
	expectedName = "expected.txt"
	outputName   = "output.txt"
	binaryName   = "main.bin"
	sourceName   = "main.src"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// RemoveFunc deletes one path.
type RemoveFunc func(path string) error

// Option configures a Manager.
type Option func(*Manager)

// WithRemoveFunc overrides how arena files and the arena directory are deleted.
func WithRemoveFunc(fn RemoveFunc) Option {
	return func(m *Manager) {
		if fn != nil {
			m.remove = fn
			m.removeDir = fn
		}
	}
}

// Manager creates arenas under one root directory.
type Manager struct {
	root      string
	remove    RemoveFunc
	removeDir RemoveFunc
}

// NewManager creates the root directory if needed.
func NewManager(root string, opts ...Option) (*Manager, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "codejudge")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, appErr.Wrapf(err, appErr.JudgeSystemError, "create work root failed")
	}
	m := &Manager{root: root, remove: os.Remove, removeDir: os.RemoveAll}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Arena holds the five files of one execution attempt.
type Arena struct {
	Dir          string
	SourcePath   string
	InputPath    string
	ExpectedPath string
	OutputPath   string
	BinaryPath   string

	remove    RemoveFunc
	removeDir RemoveFunc
	once      sync.Once
	left      []string
}

// Create makes an attempt-unique directory. sourceFile names the source file
// inside it so that compilers can infer the language from the extension;
// binaryFile names the compiled program.
func (m *Manager) Create(submissionID string, attempt int, sourceFile, binaryFile string) (*Arena, error) {
	if sourceFile == "" {
		sourceFile = sourceName
	}
	if binaryFile == "" {
		binaryFile = binaryName
	}
	name := fmt.Sprintf("%s-a%d-%s", unsafeChars.ReplaceAllString(submissionID, "_"), attempt, uuid.NewString())
	dir := filepath.Join(m.root, name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, appErr.Wrapf(err, appErr.JudgeSystemError, "create arena failed")
	}
	return &Arena{
		Dir:          dir,
		SourcePath:   filepath.Join(dir, filepath.Base(sourceFile)),
		InputPath:    filepath.Join(dir, inputName),
		ExpectedPath: filepath.Join(dir, expectedName),
		OutputPath:   filepath.Join(dir, outputName),
		BinaryPath:   filepath.Join(dir, filepath.Base(binaryFile)),
		remove:       m.remove,
		removeDir:    m.removeDir,
	}, nil
}

// Files lists the attempt files in creation order.
func (a *Arena) Files() []string {
	return []string{a.SourcePath, a.InputPath, a.ExpectedPath, a.OutputPath, a.BinaryPath}
}

// WriteSource writes the decoded submission source.
func (a *Arena) WriteSource(src []byte) error {
	if err := os.WriteFile(a.SourcePath, src, 0o644); err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "write source failed")
	}
	return nil
}

// Cleanup deletes every arena file, then the directory with anything the
// program left in it. Failures are logged and the paths that could not be
// removed are returned. Safe to call twice.
func (a *Arena) Cleanup(ctx context.Context) []string {
	a.once.Do(func() {
		for _, path := range a.Files() {
			a.removePath(ctx, a.remove, path)
		}
		a.removePath(ctx, a.removeDir, a.Dir)
	})
	return a.left
}

func (a *Arena) removePath(ctx context.Context, remove RemoveFunc, path string) {
	if err := remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn(ctx, "arena cleanup failed", zap.String("path", path), zap.Error(err))
		a.left = append(a.left, path)
	}
}
