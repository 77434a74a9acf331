package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/skillshub-cm/mobile-backend/pkg/idempotency"
	"go.uber.org/zap"
)

// IdempotencyKeyHeader is the request header clients set to make a POST safe to retry
const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotencyStore is the subset of idempotency.Store the middleware uses
type IdempotencyStore interface {
	Key(scope, key string) string
	Reserve(ctx context.Context, key string) (bool, error)
	Lookup(ctx context.Context, key string) (*idempotency.Response, error)
	Save(ctx context.Context, key string, resp idempotency.Response) error
	Release(ctx context.Context, key string) error
}

var _ IdempotencyStore = (*idempotency.Store)(nil)

type bodyRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency replays the first response for a repeated Idempotency-Key and
// answers 409 while that first request is still running. Requests without
// the header pass through. A store outage never blocks a payment.
func Idempotency(store IdempotencyStore, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := c.GetHeader(IdempotencyKeyHeader)
		if clientKey == "" || store == nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		key := store.Key(PayerIdentity(c), clientKey)

		stored, err := store.Lookup(ctx, key)
		switch {
		case errors.Is(err, idempotency.ErrInFlight):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "A request with this Idempotency-Key is still being processed"})
			return
		case err != nil:
			logger.Warn("Idempotency lookup failed, processing without it", zap.Error(err))
			c.Next()
			return
		case stored != nil:
			c.Header("Idempotent-Replayed", "true")
			c.Data(stored.Status, stored.ContentType, stored.Body)
			c.Abort()
			return
		}

		reserved, err := store.Reserve(ctx, key)
		if err != nil {
			logger.Warn("Idempotency reserve failed, processing without it", zap.Error(err))
			c.Next()
			return
		}
		if !reserved {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "A request with this Idempotency-Key is still being processed"})
			return
		}

		recorder := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = recorder
		c.Next()

		saveCtx := context.WithoutCancel(ctx)
		status := recorder.Status()
		if status >= http.StatusInternalServerError {
			// let the client retry a transient failure with the same key
			if err := store.Release(saveCtx, key); err != nil {
				logger.Warn("Failed to release idempotency key", zap.Error(err))
			}
			return
		}
		if err := store.Save(saveCtx, key, idempotency.Response{
			Status:      status,
			ContentType: recorder.Header().Get("Content-Type"),
			Body:        recorder.body.Bytes(),
		}); err != nil {
			logger.Warn("Failed to save idempotent response", zap.Error(err))
		}
	}
}
