package controller

import (
	"github.com/bhandras/gatewaykit/internal/diagnostics"
	"github.com/pkg/errors"
)

var (
	// ErrAlreadyConnecting rejects connect while another attempt is running.
	ErrAlreadyConnecting = errors.New("connect already in progress")
	// ErrConnectCanceled completes a pending connect superseded by disconnect.
	ErrConnectCanceled = errors.New("connect canceled")
	// ErrSessionOperationPending rejects a session operation that overlaps
	// another one.
	ErrSessionOperationPending = errors.New("another session operation is pending")
	// ErrInvalidSessionKey rejects empty session keys.
	ErrInvalidSessionKey = errors.New("invalid session key")
	// ErrStopped is returned by actions on a stopped controller.
	ErrStopped = errors.New("controller stopped")
)

// ConnectError is a classified connection failure.
type ConnectError struct {
	Diagnostic diagnostics.Diagnostic
	Err        error
}

// Error implements error.
func (e *ConnectError) Error() string {
	if e.Err == nil {
		return e.Diagnostic.Summary
	}
	return e.Diagnostic.Summary + " " + e.Err.Error()
}

// Unwrap returns the underlying failure.
func (e *ConnectError) Unwrap() error { return e.Err }

// SendErrorKind classifies SendError.
type SendErrorKind string

const (
	SendDuplicateRapid   SendErrorKind = "duplicate-rapid"
	SendNoText           SendErrorKind = "no-text"
	SendNotConnected     SendErrorKind = "not-connected"
	SendTransportFailure SendErrorKind = "transport-failure"
)

// SendError rejects or fails a send.
type SendError struct {
	Kind    SendErrorKind
	Message string
	Err     error
}

// Error implements error.
func (e *SendError) Error() string {
	if e.Err != nil && e.Message == "" {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying failure.
func (e *SendError) Unwrap() error { return e.Err }

// SyncErrorKind classifies SyncError.
type SyncErrorKind string

const (
	SyncTimeout          SyncErrorKind = "timeout"
	SyncTransportFailure SyncErrorKind = "transport-failure"
	SyncNotConnected     SyncErrorKind = "not-connected"
	SyncSuperseded       SyncErrorKind = "superseded"
)

// SyncError fails a history refresh.
type SyncError struct {
	Kind    SyncErrorKind
	Message string
	Err     error
}

// Error implements error.
func (e *SyncError) Error() string { return e.Message }

// Unwrap returns the underlying failure.
func (e *SyncError) Unwrap() error { return e.Err }

// Banner is a dismissible error surfaced in the snapshot.
type Banner struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Banner names accepted by DismissBanner.
const (
	BannerSend       = "send"
	BannerSync       = "sync"
	BannerRecovery   = "recovery"
	BannerDiagnostic = "diagnostic"
)

const (
	msgDuplicate      = "Message already sent"
	msgNoText         = "Message is empty"
	msgNotConnected   = "No gateway configured; connect first"
	msgRefreshTimeout = "Refresh timed out"
)
