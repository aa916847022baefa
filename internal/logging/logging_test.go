package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithCorrelationIDGeneratesWhenEmpty(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "")
	assert.NotEmpty(t, GetCorrelationID(ctx))
}

func TestWithCorrelationIDPreservesSupplied(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "req-42")
	assert.Equal(t, "req-42", GetCorrelationID(ctx))
}

func TestContextualLoggerFieldsAreImmutable(t *testing.T) {
	logger := New(DefaultConfig())
	base := logger.WithContext(context.Background())
	child := base.WithField("worker_id", "w-1")

	assert.NotContains(t, base.fields, "worker_id")
	assert.Equal(t, "w-1", child.fields["worker_id"])
}
