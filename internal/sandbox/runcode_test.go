package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// newShellRunner uses sh so the tests do not depend on python3.
func newShellRunner(t *testing.T, timeout time.Duration) (*CodeRunner, *Root) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	root := newTestRoot(t)
	return NewCodeRunner(root, CodeRunnerConfig{
		Interpreter: "sh",
		Extension:   ".sh",
		Timeout:     timeout,
	}), root
}

func leftoverScripts(t *testing.T, root *Root) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(root.Path(), "_run_*"))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}

func TestCodeRunner_SeparateStreams(t *testing.T) {
	r, root := newShellRunner(t, 5*time.Second)

	res, err := r.Run(context.Background(), "echo out\necho err 1>&2\n")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "out" {
		t.Errorf("Stdout = %q, want out", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("Stderr = %q, want err", res.Stderr)
	}
	if left := leftoverScripts(t, root); len(left) != 0 {
		t.Errorf("temp scripts left behind: %v", left)
	}
}

func TestCodeRunner_ExitCode(t *testing.T) {
	r, root := newShellRunner(t, 5*time.Second)

	res, err := r.Run(context.Background(), "exit 3\n")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if left := leftoverScripts(t, root); len(left) != 0 {
		t.Errorf("temp scripts left behind: %v", left)
	}
}

func TestCodeRunner_TimeoutCleansUp(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	r, root := newShellRunner(t, 200*time.Millisecond)

	res, err := r.Run(context.Background(), "sleep 10\n")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected TimedOut")
	}
	if left := leftoverScripts(t, root); len(left) != 0 {
		t.Errorf("temp scripts left behind after timeout: %v", left)
	}
}

func TestCodeRunner_MissingInterpreterCleansUp(t *testing.T) {
	root := newTestRoot(t)
	r := NewCodeRunner(root, CodeRunnerConfig{Interpreter: "definitely-not-an-interpreter"})

	if _, err := r.Run(context.Background(), "print(1)"); err == nil {
		t.Fatal("expected error for missing interpreter")
	}
	if left := leftoverScripts(t, root); len(left) != 0 {
		t.Errorf("temp scripts left behind after error: %v", left)
	}
	if _, err := os.Stat(root.Path()); err != nil {
		t.Errorf("root removed: %v", err)
	}
}

func TestCodeRunner_EmptyCode(t *testing.T) {
	r := NewCodeRunner(newTestRoot(t), CodeRunnerConfig{})
	if _, err := r.Run(context.Background(), ""); err == nil {
		t.Error("expected error for empty code")
	}
}
