package main

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/golang-jwt/jwt/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	"github.com/tunnelrun/agentd/control"
	"github.com/tunnelrun/agentd/downloadsrc"
)

// updateClaims is the signed self-update descriptor: a JWT whose claims
// carry the fields below, so a forged unsigned manifest can't flip
// did_update.
type updateClaims struct {
	jwt.RegisteredClaims
	CommitID string `json:"commit_id"`
	Provider string `json:"provider"`
	Key      string `json:"key"`
	Digest   string `json:"digest"`
	OS       string `json:"os"`
	Arch     string `json:"arch"`
}

// selfUpdate is the concrete control.UpdateService. Unlike editor-server
// downloads (routed through whichever connection's delegated/direct client
// is handling the `serve` call), the update manifest fetch isn't scoped to
// any one connection — UpdateService is a single collaborator shared across
// every connection — so it uses its own fasthttp client straight to
// manifestURL rather than borrowing a per-connection transport.
type selfUpdate struct {
	manifestURL string
	pubKey      *rsa.PublicKey
	cache       *downloadsrc.Cache
	binPath     string
	commitID    string
	hc          *fasthttp.Client
}

func newSelfUpdate(manifestURL string, pubKey *rsa.PublicKey, cache *downloadsrc.Cache, commitID string) *selfUpdate {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return &selfUpdate{manifestURL: manifestURL, pubKey: pubKey, cache: cache, binPath: exe, commitID: commitID, hc: &fasthttp.Client{}}
}

func (u *selfUpdate) CheckAndUpdate(ctx context.Context, doUpdate bool) (upToDate, didUpdate bool, err error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI(u.manifestURL)
	if err := u.hc.DoDeadline(req, resp, mustDeadline(ctx)); err != nil {
		return false, false, fmt.Errorf("fetch update manifest: %w", err)
	}
	body := append([]byte(nil), resp.Body()...)

	var envelope struct {
		Token string `json:"token"`
	}
	if err := jsoniter.Unmarshal(body, &envelope); err != nil {
		return false, false, fmt.Errorf("decode update envelope: %w", err)
	}

	claims := &updateClaims{}
	_, err = jwt.ParseWithClaims(envelope.Token, claims, func(*jwt.Token) (any, error) {
		return u.pubKey, nil
	})
	if err != nil {
		return false, false, fmt.Errorf("verify update manifest signature: %w", err)
	}

	if claims.CommitID == u.commitID || claims.CommitID == "" {
		return true, false, nil
	}
	if claims.OS != "" && claims.OS != runtime.GOOS {
		return true, false, nil
	}
	if claims.Arch != "" && claims.Arch != runtime.GOARCH {
		return true, false, nil
	}
	if !doUpdate {
		return false, false, nil
	}

	newBin, err := u.cache.Fetch(ctx, claims.Provider, claims.Key, claims.Digest)
	if err != nil {
		return false, false, fmt.Errorf("download update %s: %w", claims.CommitID, err)
	}
	if err := replaceBinary(newBin, u.binPath); err != nil {
		return false, false, fmt.Errorf("install update %s: %w", claims.CommitID, err)
	}
	return false, true, nil
}

// replaceBinary copies src over dst's directory as a new file, then renames
// it into place; rename is atomic on the same filesystem, so a crash
// mid-update never leaves a half-written binary at dst.
func replaceBinary(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".new"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func mustDeadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(30 * time.Second)
}

var _ control.UpdateService = (*selfUpdate)(nil)
