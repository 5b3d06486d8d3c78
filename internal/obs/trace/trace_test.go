package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStartSpan_NoopWhenDisabled(t *testing.T) {
	Enable(false)
	_, span := StartSpan(context.Background(), "test", "op")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())
}

func TestShutdown_NoopWithoutRealProvider(t *testing.T) {
	Enable(false)
	_, _ = StartSpan(context.Background(), "test", "op")
	assert.NoError(t, Shutdown(context.Background()))
}
