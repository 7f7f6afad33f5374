package spawn

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestSpawnCapturesStdout(t *testing.T) {
	var out bytes.Buffer
	res, err := Spawn(context.Background(), "echo", []string{"hello"}, nil, IO{Stdout: &out})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
	if strings.TrimSpace(out.String()) != "hello" {
		t.Fatalf("stdout = %q", out.String())
	}
}

func TestSpawnNonzeroExit(t *testing.T) {
	res, err := Spawn(context.Background(), "false", nil, nil, IO{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if res.ExitCode == 0 {
		t.Fatalf("expected nonzero exit code")
	}
}

func TestSpawnBadCommand(t *testing.T) {
	res, err := Spawn(context.Background(), "/nonexistent/binary", nil, nil, IO{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if res.ExitCode != -1 {
		t.Fatalf("exit code = %d, want -1", res.ExitCode)
	}
}

func TestSpawnStdinPipedThrough(t *testing.T) {
	var out bytes.Buffer
	res, err := Spawn(context.Background(), "cat", nil, nil, IO{Stdin: strings.NewReader("abc"), Stdout: &out})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
	if out.String() != "abc" {
		t.Fatalf("stdout = %q", out.String())
	}
}
