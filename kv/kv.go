// Package kv declares the persistent key-value contract the coordination
// core stores session state in. Implementations are scoped per
// session/origin; keys written by one process are visible to every process
// in the same session.
package kv

import "errors"

// ErrNotFound is returned by Get for absent keys.
var ErrNotFound = errors.New("kv: key not found")

// Store is the minimal persistence surface the state manager and the polling
// fallback bus need.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
}
