// Package id provides blob identifier generation and validation.
//
// Blob IDs are TypeIDs: a namespace prefix followed by a K-sortable,
// URL-safe suffix, e.g. "aud_01h2xcejqtf2nbrexx3vqjhp41". Validating the
// prefix lets callers reject an ID minted for another namespace before
// touching the store.
package id

import (
	"errors"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the namespace encoded in a blob ID.
type Prefix string

// Prefixes for the two blob namespaces.
const (
	PrefixVideo Prefix = "vid"
	PrefixAudio Prefix = "aud"
)

// PrefixRequest tags HTTP request IDs. It is not a blob namespace.
const PrefixRequest Prefix = "req"

// ErrInvalid is returned when a string is not a well-formed blob ID.
var ErrInvalid = errors.New("id: invalid blob identifier")

// New generates a new unique blob ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) string {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return tid.String()
}

// Parse validates s as a blob ID carrying the expected prefix and returns
// its canonical form.
func Parse(s string, expected Prefix) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty string", ErrInvalid)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
	}

	if Prefix(tid.Prefix()) != expected {
		return "", fmt.Errorf("%w: expected prefix %q, got %q", ErrInvalid, expected, tid.Prefix())
	}

	return tid.String(), nil
}
