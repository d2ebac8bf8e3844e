// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist. Entities owned
// by a different user are also reported as not found so that cross-owner
// probing cannot reveal their existence.
var ErrNotFound = errors.New("not found")

// ErrInvalidState indicates an operation that is illegal for the session's
// current status. Messages wrapping it name the allowed states.
var ErrInvalidState = errors.New("invalid state")

// ErrAlreadyExists indicates a duplicate identifier (e.g. terminal id).
var ErrAlreadyExists = errors.New("already exists")

// ErrValidation indicates a malformed or incomplete request.
var ErrValidation = errors.New("validation failed")

// ErrWorkspace indicates a clone, worktree, diff, commit or push failure
// reported by the underlying git tooling.
var ErrWorkspace = errors.New("workspace error")

// ErrAgent indicates a failure reported by the agent provider.
var ErrAgent = errors.New("agent error")
