// Command agent is the tunnel control server: it binds the control port,
// accepts tunnel streams, and dispatches the RPC method table to a
// per-connection connrt.Runtime.
//
// Grounded on cmd/authn/main.go's flag-parsing + env-var fallback and
// fail-fast-on-bad-config pattern, and on ais/daemon.go's top-level run loop
// that restarts or re-execs itself based on what the inner loop returns.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tunnelrun/agentd/connrt"
	"github.com/tunnelrun/agentd/control"
	"github.com/tunnelrun/agentd/downloadsrc"
	"github.com/tunnelrun/agentd/internal/kvdb"
	"github.com/tunnelrun/agentd/internal/logging"
	"github.com/tunnelrun/agentd/k8sforward"
	"github.com/tunnelrun/agentd/rpcdispatch"
)

var (
	controlAddr     string
	cacheDir        string
	logDir          string
	editorCommit    string
	editorQuality   string
	editorHTTPAddr  string
	manifestPath    string
	updateManifest  string
	updatePubKeyPEM string
)

func init() {
	flag.StringVar(&controlAddr, "control-addr", envOr("AGENTD_CONTROL_ADDR", "127.0.0.1:9321"), "control-port bind address")
	flag.StringVar(&cacheDir, "cache-dir", envOr("AGENTD_CACHE_DIR", defaultCacheDir()), "editor-server and download cache root")
	flag.StringVar(&logDir, "log-dir", envOr("AGENTD_LOG_DIR", ""), "log output directory (empty: stderr only)")
	flag.StringVar(&editorCommit, "editor-commit", envOr("AGENTD_EDITOR_COMMIT", ""), "pinned editor-server commit (empty: latest)")
	flag.StringVar(&editorQuality, "editor-quality", envOr("AGENTD_EDITOR_QUALITY", "stable"), "editor-server release quality")
	flag.StringVar(&editorHTTPAddr, "editor-http-addr", envOr("AGENTD_EDITOR_HTTP_ADDR", "127.0.0.1:8080"), "editor server's local HTTP API address")
	flag.StringVar(&manifestPath, "editor-manifest-path", envOr("AGENTD_EDITOR_MANIFEST_PATH", "/api/editor-server/manifest"), "HTTP path (via the connection's direct-or-delegated client) to the editor-server build manifest")
	flag.StringVar(&updateManifest, "update-manifest-url", envOr("AGENTD_UPDATE_MANIFEST_URL", ""), "URL of the signed self-update manifest (empty disables self-update)")
	flag.StringVar(&updatePubKeyPEM, "update-pubkey", envOr("AGENTD_UPDATE_PUBKEY", ""), "PEM-encoded RSA public key verifying update manifests (empty disables self-update)")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "agentd")
	}
	return filepath.Join(dir, "agentd")
}

func fatalf(format string, args ...any) {
	logging.Errorf(format, args...)
	logging.Flush()
	os.Exit(1)
}

func main() {
	flag.Parse()

	if err := logging.Init(logDir, "agentd", logDir == ""); err != nil {
		fatalf("init logging: %v", err)
	}
	defer logging.Flush()

	lp := &paths{cacheDir: cacheDir, logDir: logDir}
	if err := os.MkdirAll(lp.CacheDir(), 0o755); err != nil {
		fatalf("create cache dir: %v", err)
	}

	marker, err := kvdb.NewBuntDB(filepath.Join(lp.CacheDir(), "marker.db"))
	if err != nil {
		fatalf("open marker store: %v", err)
	}
	defer marker.Close()

	registry := downloadsrc.NewRegistry(buildBackends()...)
	cache := downloadsrc.NewCache(registry, filepath.Join(lp.CacheDir(), "downloads"))
	builder := newEditorBuilder(cache, manifestPath, lp)

	var update control.UpdateService
	if updatePubKeyPEM != "" && updateManifest != "" {
		pubKey, err := parseRSAPublicKey(updatePubKeyPEM)
		if err != nil {
			fatalf("parse -update-pubkey: %v", err)
		}
		update = newSelfUpdate(updateManifest, pubKey, cache, editorCommit)
	}

	portFwd := buildPortForwarding()

	col := connrt.Collaborators{
		Paths:    lp,
		Builder:  builder,
		Update:   update,
		PortFwd:  portFwd,
		CLICache: cache,
		Marker:   marker,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	shutdown := make(chan control.ShutdownSignal, 1)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		select {
		case <-hup:
			shutdown <- control.ShutdownRestartRequested
		case <-ctx.Done():
			shutdown <- control.ShutdownExit
		}
	}()

	for {
		outcome := runOnce(ctx, col, shutdown)
		logging.Infof("accept loop returned %s", outcome)
		switch outcome {
		case control.Exit:
			return
		case control.Restart:
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		case control.Respawn:
			execSelf()
			return // unreachable unless exec failed
		}
	}
}

func runOnce(ctx context.Context, col connrt.Collaborators, shutdown chan control.ShutdownSignal) control.Outcome {
	tunnel, err := newTCPTunnel(controlAddr)
	if err != nil {
		fatalf("bind control port %s: %v", controlAddr, err)
	}
	defer tunnel.Close()
	logging.Infof("control port listening on %s", tunnel.Addr())

	pool := rpcdispatch.NewWorkerPool(16)
	disp := rpcdispatch.New(pool)
	connrt.RegisterAll(disp)

	spawn := func(ctx context.Context, id string, stream control.Stream) bool {
		log := logging.ForConn(id)
		hc := connrt.New(id, log, col, editorHTTPAddr)
		rt := connrt.NewRuntime(stream, hc, disp)
		respawn, err := rt.Run(ctx)
		if err != nil {
			log.Warningf("connection ended: %v", err)
		}
		return respawn
	}

	return control.Run(ctx, control.RunParams{
		Tunnel:   tunnel,
		PortFwd:  col.PortFwd,
		Shutdown: shutdown,
		Spawn:    spawn,
		Log:      logging.ForConn("accept"),
	})
}

func execSelf() {
	exe, err := os.Executable()
	if err != nil {
		fatalf("resolve executable for respawn: %v", err)
	}
	logging.Infof("respawning %s", exe)
	logging.Flush()
	if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
		fatalf("respawn exec failed: %v", err)
	}
}

func parseRSAPublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in -update-pubkey")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("-update-pubkey is not an RSA public key")
	}
	return rsaPub, nil
}

func buildPortForwarding() control.PortForwarding {
	pf, err := k8sforward.NewInCluster()
	if err != nil {
		logging.Infof("port forwarding disabled: %v", err)
		return nil
	}
	return pf
}
