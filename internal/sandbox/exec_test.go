package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestExec_DeniesMetacharacters(t *testing.T) {
	e := NewExec(newTestRoot(t), ExecConfig{Allowed: []string{"ls", "cat", "echo"}})

	for _, cmd := range []string{
		"ls; rm -rf /",
		"ls && whoami",
		"ls & sleep 1",
		"ls | cat",
		"echo `id`",
		"echo $(id)",
		"echo $HOME",
		"cat < /etc/passwd",
		"ls > out.txt",
		"ls\nrm -rf /",
		"echo 'quoted;semicolon'",
	} {
		t.Run(cmd, func(t *testing.T) {
			_, err := e.Run(context.Background(), cmd)
			if !IsDenied(err) {
				t.Errorf("Run(%q) error = %v, want denial", cmd, err)
			}
		})
	}
}

func TestExec_DeniesUnlisted(t *testing.T) {
	e := NewExec(newTestRoot(t), ExecConfig{Allowed: []string{"ls"}})

	for _, cmd := range []string{"rm -rf x", "/bin/ls", "curl http://example.com", "sh -c ls"} {
		if _, err := e.Run(context.Background(), cmd); !IsDenied(err) {
			t.Errorf("Run(%q) error = %v, want denial", cmd, err)
		}
	}
}

func TestExec_DeniesPathArgsOutsideRoot(t *testing.T) {
	e := NewExec(newTestRoot(t), ExecConfig{Allowed: []string{"cat", "ls", "grep"}})

	for _, cmd := range []string{
		"cat /etc/passwd",
		"ls ../..",
		"cat --file=/etc/shadow",
		"ls ~",
		"grep -f../secret.txt notes.txt",
		"grep -f/etc/passwd notes.txt",
		"grep -o=/etc/passwd notes.txt",
		"ls -d~",
		"cat sub/../../secret.txt",
	} {
		if _, err := e.Check(cmd); !IsDenied(err) {
			t.Errorf("Check(%q) error = %v, want denial", cmd, err)
		}
	}
}

func TestExec_AllowsArgsInsideRoot(t *testing.T) {
	root := newTestRoot(t)
	e := NewExec(root, ExecConfig{Allowed: []string{"grep", "ls"}})

	for _, cmd := range []string{
		"ls -la",
		"grep -rn todo .",
		"grep -fpatterns.txt notes.txt",
		"grep --file=patterns.txt notes.txt",
		"ls " + filepath.Join(root.Path(), "sub"),
	} {
		if _, err := e.Check(cmd); err != nil {
			t.Errorf("Check(%q) error = %v, want allowed", cmd, err)
		}
	}
}

func TestExec_Check(t *testing.T) {
	e := NewExec(newTestRoot(t), ExecConfig{Allowed: []string{"grep"}})

	argv, err := e.Check(`grep -n "two words" notes.txt`)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	want := []string{"grep", "-n", "two words", "notes.txt"}
	if strings.Join(argv, "|") != strings.Join(want, "|") {
		t.Errorf("argv = %q, want %q", argv, want)
	}

	if _, err := e.Check("   "); err == nil {
		t.Error("Check of blank command should error")
	}
}

func TestExec_RunsInRoot(t *testing.T) {
	if _, err := exec.LookPath("ls"); err != nil {
		t.Skip("ls not available")
	}
	root := newTestRoot(t)
	os.WriteFile(filepath.Join(root.Path(), "marker.txt"), []byte("x"), 0o644)

	e := NewExec(root, ExecConfig{Allowed: []string{"ls"}})
	res, err := e.Run(context.Background(), "ls")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, stderr=%q", res.ExitCode, res.Stderr)
	}
	if !strings.Contains(res.Stdout, "marker.txt") {
		t.Errorf("Stdout = %q, want marker.txt", res.Stdout)
	}
	if !strings.Contains(res.Format(), "Exit code: 0") {
		t.Errorf("Format() = %q", res.Format())
	}
}

func TestExec_NonZeroExit(t *testing.T) {
	if _, err := exec.LookPath("ls"); err != nil {
		t.Skip("ls not available")
	}
	e := NewExec(newTestRoot(t), ExecConfig{Allowed: []string{"ls"}})
	res, err := e.Run(context.Background(), "ls does-not-exist")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode == 0 {
		t.Error("expected non-zero exit code")
	}
	if res.Stderr == "" {
		t.Error("expected stderr output")
	}
}

func TestExec_Timeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no sleep binary")
	}
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	e := NewExec(newTestRoot(t), ExecConfig{
		Allowed: []string{"sleep"},
		Timeout: 200 * time.Millisecond,
	})

	start := time.Now()
	res, err := e.Run(context.Background(), "sleep 10")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected TimedOut")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("process was not killed promptly: %v", elapsed)
	}
	if !strings.Contains(res.Format(), "timed out") {
		t.Errorf("Format() = %q, want timeout note", res.Format())
	}
}

func TestTruncateOutput(t *testing.T) {
	if got := truncateOutput("short", 10); got != "short" {
		t.Errorf("truncateOutput(short) = %q", got)
	}
	got := truncateOutput(strings.Repeat("é", 10), 5)
	if !strings.HasSuffix(got, "[... output truncated ...]") {
		t.Errorf("missing truncation marker: %q", got)
	}
	if strings.ContainsRune(got, '�') {
		t.Error("truncation split a multi-byte rune")
	}
}
