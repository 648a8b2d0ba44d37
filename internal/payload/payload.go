// Package payload persists the request body of every scoring batch before it
// is sent, so failed batches can be inspected and replayed.
package payload

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned by Get when no payload exists for a key.
var ErrNotFound = eris.New("payload: not found")

// Sink stores and retrieves batch payloads.
type Sink interface {
	// Put stores data under key and returns a human-readable reference to
	// where it was written.
	Put(ctx context.Context, key string, data []byte) (string, error)
	// Get returns the payload stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
}

// Key returns the storage key for a batch of a run. Batch numbers are 1-based
// in keys.
func Key(runID string, batchIndex int) string {
	return fmt.Sprintf("%s/batch_%d.json", runID, batchIndex+1)
}

func validateKey(key string) error {
	if key == "" {
		return eris.New("payload: empty key")
	}
	if strings.HasPrefix(key, "/") {
		return eris.Errorf("payload: key %q must be relative", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return eris.Errorf("payload: key %q escapes the sink root", key)
		}
	}
	return nil
}
