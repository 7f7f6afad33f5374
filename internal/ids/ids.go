// Package ids generates the control server's per-connection correlation
// ids.
// Adapted from cmn/cos/uuid.go, trimmed of bucket/daemon-name validation
// that doesn't apply outside a storage cluster.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package ids

import (
	"os"
	"strconv"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"
)

const uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

const LenShortID = 9

var (
	sid  *shortid.Shortid
	rtie atomic.Uint32
)

func init() {
	// worker id and seed only need to differ across processes sharing a
	// machine; the PID is sufficient entropy for correlation ids that
	// live for the lifetime of one connection.
	pid := os.Getpid()
	sid = shortid.MustNew(uint8(pid%32), uuidABC, uint64(xxhash.Checksum64([]byte(strconv.Itoa(pid)))))
}

func isAlpha(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

// New generates a short, mostly-alphanumeric id, fixing up the first/last
// character so it never starts or ends with a separator (some consumers
// use these ids as map keys in log lines and don't expect a leading '-').
func New() string {
	uuid := sid.MustGenerate()
	var h, t string
	if !isAlpha(uuid[0]) {
		tie := int(rtie.Add(1))
		h = string(rune('A' + tie%26))
	}
	c := uuid[len(uuid)-1]
	if c == '-' || c == '_' {
		tie := int(rtie.Add(1))
		t = string(rune('a' + tie%26))
	}
	return h + uuid + t
}

// Hash64 is a fast, non-cryptographic 64-bit digest of s.
func Hash64(s string) uint64 {
	return xxhash.Checksum64([]byte(s))
}

func IsValid(id string) bool { return len(id) >= LenShortID }
