package sandbox_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codejudge/internal/judge/sandbox"
	"codejudge/internal/judge/sandbox/profile"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// newRequest writes src into a fresh directory and returns a request for it.
func newRequest(t *testing.T, lang profile.LanguageSpec, src, input string) sandbox.RunRequest {
	t.Helper()
	dir := t.TempDir()
	req := sandbox.RunRequest{
		SourcePath: filepath.Join(dir, lang.SourceFile),
		InputPath:  filepath.Join(dir, "input.txt"),
		OutputPath: filepath.Join(dir, "output.txt"),
		BinaryPath: filepath.Join(dir, "main.bin"),
		Language:   lang,
		TimeLimit:  time.Second,
	}
	if err := os.WriteFile(req.SourcePath, []byte(src), 0o644); err != nil {
		t.Fatalf("write source failed: %v", err)
	}
	if err := os.WriteFile(req.InputPath, []byte(input), 0o644); err != nil {
		t.Fatalf("write input failed: %v", err)
	}
	return req
}

var shellLang = profile.LanguageSpec{
	ID:         "sh",
	SourceFile: "main.sh",
	RunCmdTpl:  "sh {src}",
}

// copyLang "compiles" by copying the script to the binary path.
var copyLang = profile.LanguageSpec{
	ID:             "sh-copy",
	SourceFile:     "main.sh",
	CompileEnabled: true,
	CompileCmdTpl:  "cp {src} {bin}",
	RunCmdTpl:      "sh {bin}",
}

func TestCompileAndRunEchoesInput(t *testing.T) {
	requireShell(t)
	runner := sandbox.NewRunner(sandbox.Config{})
	req := newRequest(t, copyLang, "read x\necho $((x * 2))\n", "21\n")

	outcome, err := runner.CompileAndRun(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Compiled || outcome.TimedOut || outcome.RuntimeError {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if outcome.ExecutionTime <= 0 {
		t.Fatalf("expected positive execution time, got %v", outcome.ExecutionTime)
	}
	out, _ := os.ReadFile(req.OutputPath)
	if strings.TrimSpace(string(out)) != "42" {
		t.Fatalf("expected 42, got %q", out)
	}
}

func TestCompileFailureSkipsRun(t *testing.T) {
	requireShell(t)
	lang := copyLang
	lang.CompileCmdTpl = `sh -c 'echo "error: expected ;" >&2; exit 1'`
	runner := sandbox.NewRunner(sandbox.Config{})
	req := newRequest(t, lang, "echo hi\n", "")

	outcome, err := runner.CompileAndRun(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Compiled {
		t.Fatalf("expected compile failure")
	}
	if !strings.Contains(outcome.CompileLog, "expected ;") {
		t.Fatalf("expected diagnostic in compile log, got %q", outcome.CompileLog)
	}
	if _, err := os.Stat(req.OutputPath); !os.IsNotExist(err) {
		t.Fatalf("run must be skipped after compile failure")
	}
}

func TestCompileDiagnosticsOnStderrFail(t *testing.T) {
	requireShell(t)
	lang := copyLang
	lang.CompileCmdTpl = `sh -c 'echo "warning: unused" >&2; exit 0'`
	outcome, err := sandbox.NewRunner(sandbox.Config{}).CompileAndRun(context.Background(), newRequest(t, lang, "", ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Compiled {
		t.Fatalf("expected diagnostics to fail compilation")
	}
}

func TestMissingCompilerIsCompileFailure(t *testing.T) {
	lang := copyLang
	lang.CompileCmdTpl = "definitely-not-a-compiler-xyz {src}"
	outcome, err := sandbox.NewRunner(sandbox.Config{}).CompileAndRun(context.Background(), newRequest(t, lang, "", ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Compiled || !strings.Contains(outcome.CompileLog, "compiler unavailable") {
		t.Fatalf("expected compiler unavailable diagnostic, got %+v", outcome)
	}
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	requireShell(t)
	runner := sandbox.NewRunner(sandbox.Config{Grace: 100 * time.Millisecond})
	// The child sleep keeps the pipe open unless the whole group is killed.
	req := newRequest(t, shellLang, "sleep 30 &\nsleep 30\n", "")
	req.TimeLimit = 200 * time.Millisecond

	start := time.Now()
	outcome, err := runner.CompileAndRun(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.TimedOut {
		t.Fatalf("expected timeout, got %+v", outcome)
	}
	if outcome.RuntimeError {
		t.Fatalf("timeout must not be reported as runtime error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("runner did not return promptly: %v", elapsed)
	}
}

func TestRunNonZeroExitIsRuntimeError(t *testing.T) {
	requireShell(t)
	req := newRequest(t, shellLang, "echo oops >&2\nexit 3\n", "")
	outcome, err := sandbox.NewRunner(sandbox.Config{}).CompileAndRun(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.RuntimeError || outcome.ExitCode != 3 || outcome.TimedOut {
		t.Fatalf("expected runtime error with exit 3, got %+v", outcome)
	}
	if !strings.Contains(outcome.Stderr, "oops") {
		t.Fatalf("expected stderr captured, got %q", outcome.Stderr)
	}
}

func TestStderrIsBounded(t *testing.T) {
	requireShell(t)
	req := newRequest(t, shellLang, "i=0\nwhile [ $i -lt 200 ]; do echo xxxxxxxxxxxxxxxxxxxx >&2; i=$((i+1)); done\n", "")
	outcome, err := sandbox.NewRunner(sandbox.Config{StderrMaxBytes: 64}).CompileAndRun(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(outcome.Stderr, "[truncated]") || len(outcome.Stderr) > 100 {
		t.Fatalf("expected truncated stderr, got %d bytes", len(outcome.Stderr))
	}
}

func TestStdoutCapKillsRunawayProgram(t *testing.T) {
	requireShell(t)
	if _, err := exec.LookPath("yes"); err != nil {
		t.Skip("yes not available")
	}
	lang := shellLang
	lang.RunCmdTpl = "yes"
	req := newRequest(t, lang, "", "")
	req.TimeLimit = 5 * time.Second

	start := time.Now()
	outcome, err := sandbox.NewRunner(sandbox.Config{MaxOutputBytes: 4096}).CompileAndRun(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.OutputLimitExceeded || !outcome.RuntimeError || outcome.TimedOut {
		t.Fatalf("expected output limit kill, got %+v", outcome)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("runaway program was not killed promptly: %v", elapsed)
	}
	info, err := os.Stat(req.OutputPath)
	if err != nil {
		t.Fatalf("stat output failed: %v", err)
	}
	if info.Size() > 4096 {
		t.Fatalf("expected output capped at 4096 bytes, got %d", info.Size())
	}
}

func TestLaunchFailureIsRuntimeError(t *testing.T) {
	lang := shellLang
	lang.RunCmdTpl = "/nonexistent/binary-xyz"
	outcome, err := sandbox.NewRunner(sandbox.Config{}).CompileAndRun(context.Background(), newRequest(t, lang, "", ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.RuntimeError || outcome.TimedOut {
		t.Fatalf("expected runtime error for launch failure, got %+v", outcome)
	}
}

func TestMissingInputIsSetupError(t *testing.T) {
	requireShell(t)
	req := newRequest(t, shellLang, "cat\n", "")
	req.InputPath = filepath.Join(t.TempDir(), "missing.txt")
	if _, err := sandbox.NewRunner(sandbox.Config{}).CompileAndRun(context.Background(), req); err == nil {
		t.Fatalf("expected setup error")
	}
}

func TestCompileAndRunCpp(t *testing.T) {
	if _, err := exec.LookPath("g++"); err != nil {
		t.Skip("g++ not available")
	}
	reg, _ := profile.NewRegistry(profile.DefaultLanguages())
	cpp, _ := reg.Lookup("cpp")
	src := "#include <iostream>\nint main(){int a,b;std::cin>>a>>b;std::cout<<a+b<<std::endl;}\n"
	req := newRequest(t, cpp, src, "2 3\n")
	req.TimeLimit = 2 * time.Second

	outcome, err := sandbox.NewRunner(sandbox.Config{}).CompileAndRun(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Compiled {
		t.Fatalf("compile failed: %s", outcome.CompileLog)
	}
	out, _ := os.ReadFile(req.OutputPath)
	if strings.TrimSpace(string(out)) != "5" {
		t.Fatalf("expected 5, got %q", out)
	}
}
