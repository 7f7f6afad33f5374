package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/tunnelrun/agentd/control"
	"github.com/tunnelrun/agentd/downloadsrc"
)

// manifestEntry is one quality's editor-server build, served as JSON at
// the HTTP path -editor-manifest-path names (fetched through the already-
// selected direct-or-delegated HTTPDo, never dialed directly by this
// package — that's the whole point of the delegated path).
type manifestEntry struct {
	CommitID string `json:"commit_id"`
	Quality  string `json:"quality"`
	Provider string `json:"provider"`
	Key      string `json:"key"`
	Digest   string `json:"digest"`
}

// editorBuilder is the concrete control.ServerBuilder: resolves a
// commit/quality pair against a manifest, downloads the binary through
// downloadsrc's on-disk cache, and launches it detached,
// listening on a unix socket under its install directory.
//
// Grounded on tools/node.go's startNode: exec.Command with
// SysProcAttr{Setpgid: true} plus Process.Release so the launched editor
// server outlives this process's exec.Cmd bookkeeping.
type editorBuilder struct {
	cache        *downloadsrc.Cache
	manifestPath string
	paths        control.LauncherPaths
}

func newEditorBuilder(cache *downloadsrc.Cache, manifestPath string, p control.LauncherPaths) *editorBuilder {
	return &editorBuilder{cache: cache, manifestPath: manifestPath, paths: p}
}

func (b *editorBuilder) Resolve(ctx context.Context, commitID, quality string, _ []string, do control.HTTPDo) (control.BuildSpec, error) {
	if quality == "" {
		quality = "stable"
	}
	entry, err := b.resolveManifest(ctx, commitID, quality, do)
	if err != nil {
		return control.BuildSpec{}, err
	}
	return control.BuildSpec{CommitID: entry.CommitID, Quality: entry.Quality}, nil
}

func (b *editorBuilder) resolveManifest(ctx context.Context, commitID, quality string, do control.HTTPDo) (manifestEntry, error) {
	body, err := do(ctx, "GET", b.manifestPath+"?quality="+quality)
	if err != nil {
		return manifestEntry{}, fmt.Errorf("fetch editor-server manifest: %w", err)
	}
	var entries []manifestEntry
	if err := jsoniter.Unmarshal(body, &entries); err != nil {
		return manifestEntry{}, fmt.Errorf("decode editor-server manifest: %w", err)
	}
	for _, e := range entries {
		if commitID == "" || e.CommitID == commitID {
			if e.Quality == quality || quality == "" {
				return e, nil
			}
		}
	}
	return manifestEntry{}, fmt.Errorf("no editor-server build for commit=%q quality=%q", commitID, quality)
}

func (b *editorBuilder) socketPath(spec control.BuildSpec) string {
	return filepath.Join(b.paths.ServerInstallDir(spec.CommitID, spec.Quality), "editor.sock")
}

// AdoptRunning reports a previously-launched instance as live iff its
// socket still accepts connections. The on-disk marker itself lives in
// editorsrv's kvdb, not here — this is just the liveness probe.
func (b *editorBuilder) AdoptRunning(_ context.Context, spec control.BuildSpec) (control.ServerInstance, bool) {
	sp := b.socketPath(spec)
	conn, err := net.DialTimeout("unix", sp, time.Second)
	if err != nil {
		return nil, false
	}
	conn.Close()
	return &builtInstance{socketPath: sp, commitID: spec.CommitID, quality: spec.Quality}, true
}

func (b *editorBuilder) Setup(ctx context.Context, spec control.BuildSpec, progress io.Writer) (control.ServerInstance, error) {
	key := spec.Quality + "/" + spec.CommitID + "/editor-server"
	path, err := b.cache.Fetch(ctx, "s3", key, "")
	if err != nil {
		return nil, fmt.Errorf("download editor-server build: %w", err)
	}
	if err := os.Chmod(path, 0o755); err != nil {
		return nil, err
	}

	installDir := b.paths.ServerInstallDir(spec.CommitID, spec.Quality)
	if err := os.MkdirAll(installDir, 0o755); err != nil {
		return nil, err
	}
	sockPath := filepath.Join(installDir, "editor.sock")
	os.Remove(sockPath) // stale socket from a crashed prior instance

	cmd := exec.CommandContext(context.WithoutCancel(ctx), path, "--listen", sockPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = progress
	cmd.Stderr = progress
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start editor-server: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return nil, err
	}

	if !waitForSocket(sockPath, 30*time.Second) {
		return nil, fmt.Errorf("editor-server %s (pid %d) never opened %s", path, pid, sockPath)
	}
	return &builtInstance{socketPath: sockPath, commitID: spec.CommitID, quality: spec.Quality, pid: pid}, nil
}

func waitForSocket(path string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if conn, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
			conn.Close()
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

type builtInstance struct {
	socketPath string
	commitID   string
	quality    string
	pid        int
}

func (i *builtInstance) SocketPath() string { return i.socketPath }
func (i *builtInstance) CommitID() string   { return i.commitID }
func (i *builtInstance) Quality() string    { return i.quality }

func (i *builtInstance) Running() bool {
	conn, err := net.DialTimeout("unix", i.socketPath, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
