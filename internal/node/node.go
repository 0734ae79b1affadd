// Package node manages the identity of this sink process: the hostname that
// is stamped on every envelope and output file, and the ULID generator used
// to name time-ordered files (output files, disk queue segments).
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Node holds the identity of this process.
type Node struct {
	hostname string
}

// New returns a Node. An empty or "auto" override resolves the hostname from
// the operating system.
func New(hostnameOverride string) (*Node, error) {
	if hostnameOverride != "" && hostnameOverride != "auto" {
		if err := validateHostname(hostnameOverride); err != nil {
			return nil, fmt.Errorf("node: invalid hostname override %q: %w", hostnameOverride, err)
		}
		return &Node{hostname: hostnameOverride}, nil
	}

	h, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("node: resolve hostname: %w", err)
	}
	return &Node{hostname: sanitize(h)}, nil
}

// Hostname returns the hostname stamped on envelopes and file names.
func (n *Node) Hostname() string { return n.hostname }

// validateHostname rejects names that cannot be embedded in a file name.
func validateHostname(h string) error {
	if strings.ContainsAny(h, `/\`) {
		return errors.New("must not contain path separators")
	}
	if strings.TrimSpace(h) == "" {
		return errors.New("must not be blank")
	}
	return nil
}

// sanitize replaces characters that would break the file naming scheme.
func sanitize(h string) string {
	return strings.NewReplacer("/", "_", `\`, "_", " ", "_").Replace(h)
}

// monoEntropy is a package-level monotone entropy source shared across all
// ULID generation so IDs stay lexicographically ordered even when generated
// within the same millisecond.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewIDAt creates a new ULID whose timestamp component is t.
func NewIDAt(t time.Time) (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), monoEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewID generates a fresh ULID for the current time.
func NewID() (string, error) {
	return NewIDAt(time.Now())
}

// MustNewID is like NewID but panics on error. Use only in tests or init code.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return id
}

// IDTime returns the timestamp embedded in a ULID string.
func IDTime(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
