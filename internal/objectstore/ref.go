// Package objectstore persists task inputs, results and failure payloads as
// immutable, content-addressed objects.
//
// Refs have the layout
//
//	protocoldagresult/{org}/{campaign}/{project}/{task}/{results|failures|inputs}/{digest}
//
// where digest is the hex BLAKE3-256 of the uncompressed payload. For inputs
// the task segment is the ID of an input bundle, which any number of tasks
// may reference. Payloads are stored zstd-compressed.
package objectstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dyluth/crucible/pkg/scope"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

const refRoot = "protocoldagresult"

var (
	// ErrNotFound is returned by Get for a well-formed ref with no object.
	ErrNotFound = errors.New("object not found")
	// ErrCorrupt is returned when stored bytes do not match the ref's digest.
	ErrCorrupt = errors.New("object digest mismatch")
	// ErrInvalidRef is returned for refs that do not follow the layout.
	ErrInvalidRef = errors.New("invalid object ref")
)

// Kind separates successful results from failure payloads and task inputs.
type Kind string

const (
	KindResults  Kind = "results"
	KindFailures Kind = "failures"
	KindInputs   Kind = "inputs"
)

// Validate checks if the kind is valid.
func (k Kind) Validate() error {
	switch k {
	case KindResults, KindFailures, KindInputs:
		return nil
	default:
		return fmt.Errorf("invalid object kind: %q", k)
	}
}

// Key locates where an object is filed. The digest completes the ref.
type Key struct {
	Scope  scope.Scope
	TaskID string
	Kind   Kind
}

// Validate checks the key fields.
func (k Key) Validate() error {
	if err := k.Scope.Validate(); err != nil {
		return err
	}
	if !k.Scope.IsSpecific() {
		return fmt.Errorf("object scope must be specific, got %s", k.Scope)
	}
	if _, err := uuid.Parse(k.TaskID); err != nil {
		return fmt.Errorf("task id must be a valid UUID: %w", err)
	}
	return k.Kind.Validate()
}

// Ref is the opaque handle recorded on a task as its result reference.
type Ref string

var digestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Digest returns the hex BLAKE3-256 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NewRef builds the ref for data filed under key.
func NewRef(key Key, digest string) (Ref, error) {
	if err := key.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	if !digestPattern.MatchString(digest) {
		return "", fmt.Errorf("%w: malformed digest %q", ErrInvalidRef, digest)
	}
	return Ref(strings.Join([]string{
		refRoot, key.Scope.Org, key.Scope.Campaign, key.Scope.Project,
		key.TaskID, string(key.Kind), digest,
	}, "/")), nil
}

// Parse splits a ref into its key and digest, rejecting anything that does
// not follow the layout. Every segment is validated, so a parsed ref is
// safe to map onto a filesystem path.
func (r Ref) Parse() (Key, string, error) {
	parts := strings.Split(string(r), "/")
	if len(parts) != 7 || parts[0] != refRoot {
		return Key{}, "", fmt.Errorf("%w: %q", ErrInvalidRef, r)
	}
	key := Key{
		Scope:  scope.Scope{Org: parts[1], Campaign: parts[2], Project: parts[3]},
		TaskID: parts[4],
		Kind:   Kind(parts[5]),
	}
	if err := key.Validate(); err != nil {
		return Key{}, "", fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	if !digestPattern.MatchString(parts[6]) {
		return Key{}, "", fmt.Errorf("%w: malformed digest in %q", ErrInvalidRef, r)
	}
	return key, parts[6], nil
}

func (r Ref) String() string { return string(r) }
