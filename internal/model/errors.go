// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorKind categorizes generation errors for handling.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindModelNotFound
	KindProvision
	KindNetwork
	KindProtocol
	KindRemote
	KindPersistence
	KindTemplate
	KindCanceled
)

// String returns the name of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindModelNotFound:
		return "ModelNotFound"
	case KindProvision:
		return "ProvisionError"
	case KindNetwork:
		return "NetworkError"
	case KindProtocol:
		return "ProtocolError"
	case KindRemote:
		return "RemoteError"
	case KindPersistence:
		return "PersistenceError"
	case KindTemplate:
		return "TemplateError"
	case KindCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// Error is a typed error raised anywhere between model load and persistence.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinel errors for errors.Is checks.
var (
	ErrModelNotFound = &Error{Kind: KindModelNotFound, Message: "model not found"}
	ErrProvision     = &Error{Kind: KindProvision, Message: "model provisioning failed"}
	ErrNetwork       = &Error{Kind: KindNetwork, Message: "network failure"}
	ErrProtocol      = &Error{Kind: KindProtocol, Message: "malformed stream"}
	ErrRemote        = &Error{Kind: KindRemote, Message: "remote error"}
	ErrPersistence   = &Error{Kind: KindPersistence, Message: "persistence failed"}
	ErrUnknownFamily = &Error{Kind: KindTemplate, Message: "unknown prompt family"}
	ErrCanceled      = &Error{Kind: KindCanceled, Message: "generation canceled"}
)

// NewError creates a typed error.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Errorf creates a typed error with a formatted message.
func Errorf(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// AsError converts any error into an *Error, using fallback as the kind for
// errors that are not already typed.
func AsError(err error, fallback ErrorKind) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: fallback, Message: err.Error()}
}
