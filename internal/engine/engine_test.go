package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPullOptionsRef(t *testing.T) {
	assert.Equal(t, "coreos/etcd:0.4.6", PullOptions{FromImage: "coreos/etcd", Tag: "0.4.6"}.Ref())
	assert.Equal(t, "hub.internal:5000/corp/web:1.2.0",
		PullOptions{FromImage: "corp/web", Tag: "1.2.0", Registry: "hub.internal:5000"}.Ref())
	assert.Equal(t, "corp/web", PullOptions{FromImage: "corp/web"}.Ref())
}

func TestIsNotFound(t *testing.T) {
	gone := &Error{Op: "inspect container", Ref: "web-1", NotFound: true, Err: errors.New("no such container")}
	assert.True(t, IsNotFound(gone))

	// Wrapping keeps the flag reachable.
	wrapped := fmt.Errorf("failed to adopt: %w", gone)
	assert.True(t, IsNotFound(wrapped))

	plain := &Error{Op: "stop container", Ref: "web-1", Err: errors.New("conflict")}
	assert.False(t, IsNotFound(plain))
	assert.False(t, IsNotFound(errors.New("unrelated")))
	assert.False(t, IsNotFound(nil))
}

func TestErrorFormatting(t *testing.T) {
	err := &Error{Op: "stop container", Ref: "etcd-0", Err: errors.New("boom")}
	assert.Equal(t, "engine stop container etcd-0: boom", err.Error())
	assert.Equal(t, "boom", errors.Unwrap(err).Error())
}
