package logger_test

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingcore/pkg/logger"
)

func TestErrors(t *testing.T) {
	t.Parallel()

	err1 := errors.New("first")
	err2 := errors.New("second")

	attr := logger.Errors(err1, nil, err2)
	require.Equal(t, "errors", attr.Key)
	require.Equal(t, slog.KindGroup, attr.Value.Kind())
	g := attr.Value.Group()
	require.Len(t, g, 2)
	assert.Equal(t, err1, g[0].Value.Any())
	assert.Equal(t, err2, g[1].Value.Any())

	assert.True(t, logger.Errors(nil).Equal(slog.Attr{}))
}

func TestError(t *testing.T) {
	t.Parallel()

	err := errors.New("boom")
	attr := logger.Error(err)
	require.Equal(t, "error", attr.Key)
	assert.Equal(t, err, attr.Value.Any())
	assert.True(t, logger.Error(nil).Equal(slog.Attr{}))
}

func TestEntityIDs(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	tests := []struct {
		name string
		attr slog.Attr
		key  string
	}{
		{"user", logger.UserID(id), "user_id"},
		{"subscription", logger.SubscriptionID(id), "subscription_id"},
		{"purchase", logger.PurchaseID(id), "purchase_id"},
		{"plan", logger.PlanID(id), "plan_id"},
		{"webhook", logger.WebhookID(id), "webhook_id"},
		{"request", logger.RequestID(id), "request_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.key, tt.attr.Key)
			assert.Equal(t, id, tt.attr.Value.Any())
		})
	}

	assert.True(t, logger.UserID(nil).Equal(slog.Attr{}))
}

func TestScalarAttrs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "paddle", logger.Provider("paddle").Value.String())
	assert.Equal(t, int64(3), logger.Attempts(3).Value.Int64())
	assert.Equal(t, int64(42), logger.Amount(42).Value.Int64())
	assert.Equal(t, time.Second, logger.Duration(time.Second).Value.Duration())
	assert.Equal(t, "resource", logger.Resource("project").Key)
	assert.Equal(t, "object_id", logger.ObjectID("I-1").Key)
}
