// Package shortid generates short random identifiers for streams, tabs,
// dialogs, and branches, where a full UUID is unnecessarily long.
package shortid

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns a 12-character hex identifier.
func New() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// NewWithPrefix returns a prefixed short identifier, e.g. "tab_1a2b3c4d5e6f".
func NewWithPrefix(prefix string) string {
	return prefix + "_" + New()
}
