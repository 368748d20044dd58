package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCorrelationID_roundTrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-abc-123")
	assert.Equal(t, "corr-abc-123", CorrelationID(ctx))
}

func TestCorrelationID_missing(t *testing.T) {
	assert.Equal(t, "", CorrelationID(context.Background()))
}

func TestCorrelationID_overwrites(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "first")
	ctx = WithCorrelationID(ctx, "second")
	assert.Equal(t, "second", CorrelationID(ctx))
}
