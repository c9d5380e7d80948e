// Package repository defines the storage contract used by the core
// components together with its MySQL and in-memory implementations.
// Sentinel errors in this file let higher layers tell a missing row
// from a duplicate insert without inspecting driver errors.
package repository

import "errors"

// ErrNotFound is returned when a lookup by key matches no row.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert violates a unique key.
var ErrDuplicate = errors.New("duplicate")
