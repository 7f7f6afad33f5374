// Package rpcerr defines the closed set of error kinds the control server
// surfaces across the wire, the same way cmn/cos defines ErrNotFound and
// friends as small typed errors rather than sentinel strings.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package rpcerr

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind int

const (
	InvalidRPCData Kind = iota
	MethodNotFound
	NoAttachedServer
	MismatchedLaunchMode
	ProcessSpawnFailed
	IO
	Wrapped
)

func (k Kind) String() string {
	switch k {
	case InvalidRPCData:
		return "InvalidRpcData"
	case MethodNotFound:
		return "MethodNotFound"
	case NoAttachedServer:
		return "NoAttachedServer"
	case MismatchedLaunchMode:
		return "MismatchedLaunchMode"
	case ProcessSpawnFailed:
		return "ProcessSpawnFailed"
	case IO:
		return "Io"
	case Wrapped:
		return "Wrapped"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carried by the dispatcher and the
// connection runtime; it keeps a Kind (for wire-level error codes) and an
// optional inner error for Wrapped/Io.
type Error struct {
	Kind    Kind
	Message string
	Context string
	Inner   error
}

func (e *Error) Error() string {
	if e.Context != "" {
		return e.Context + ": " + e.Message
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Inner }

// Code is the numeric error code placed on an RPC error response; stable
// across releases since clients may match on it.
func (e *Error) Code() int { return int(e.Kind) }

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Invalid(format string, args ...any) *Error { return New(InvalidRPCData, format, args...) }

func NotFound(format string, args ...any) *Error { return New(MethodNotFound, format, args...) }

func NoServer() *Error { return New(NoAttachedServer, "no attached server") }

func MismatchedMode(have, want string) *Error {
	return New(MismatchedLaunchMode, "server already running in %q mode, requested %q", have, want)
}

func SpawnFailed(format string, args ...any) *Error { return New(ProcessSpawnFailed, format, args...) }

func IOErr(err error) *Error {
	return &Error{Kind: IO, Message: err.Error(), Inner: err}
}

// Wrap attaches context to inner using github.com/pkg/errors so a stack
// trace survives across the dispatcher boundary, and classifies the result
// as the Wrapped kind for wire purposes.
func Wrap(inner error, context string) *Error {
	return &Error{Kind: Wrapped, Message: inner.Error(), Context: context, Inner: errors.Wrap(inner, context)}
}

// As reports whether err (or something it wraps) is an *Error, returning it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
