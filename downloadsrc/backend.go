// Package downloadsrc implements pluggable remote mirror backends for the
// editor-server tarball cache that a ServerBuilder may delegate to.
// ServerBuilder itself stays an external interface; this package is the
// domain-stack wiring underneath one concrete implementation of it.
//
// Grounded on ais/backend/common.go's provider-keyed backend selection
// (a `base` struct embedded per concrete provider, looked up by provider
// string) simplified from a full read/write/list cloud backend down to
// the one operation a tarball mirror needs: fetch a named object by key.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package downloadsrc

import (
	"context"
	"io"
)

// Backend fetches one named object from a remote tarball mirror.
type Backend interface {
	Provider() string
	Fetch(ctx context.Context, key string) (io.ReadCloser, int64, error)
}

// Registry is a provider-string-keyed set of backends, the same lookup
// shape as ais/backend/common.go's per-provider dispatch.
type Registry struct {
	byProvider map[string]Backend
}

func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{byProvider: make(map[string]Backend, len(backends))}
	for _, b := range backends {
		r.byProvider[b.Provider()] = b
	}
	return r
}

func (r *Registry) Get(provider string) (Backend, bool) {
	b, ok := r.byProvider[provider]
	return b, ok
}
