package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
)

func TestIsNotFoundUnwraps(t *testing.T) {
	if !isNotFound(jetstream.ErrKeyNotFound) {
		t.Error("bare ErrKeyNotFound not recognized")
	}
	// KV implementations may wrap the sentinel.
	wrapped := fmt.Errorf("get key: %w", jetstream.ErrKeyNotFound)
	if !isNotFound(wrapped) {
		t.Error("wrapped ErrKeyNotFound not recognized")
	}
	if isNotFound(errors.New("connection reset")) {
		t.Error("unrelated error treated as not-found")
	}
	if isNotFound(nil) {
		t.Error("nil treated as not-found")
	}
}
