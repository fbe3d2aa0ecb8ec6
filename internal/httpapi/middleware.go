package httpapi

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/idempotency"
	"backoffice/backend/internal/logger"
	"backoffice/backend/internal/service"
	"backoffice/backend/internal/store"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "Idempotent-Replayed"
	maxIdempotencyKeyLen = 128
)

func bearerToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func (a *API) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			a.writeError(c, domain.Unauthorized("missing bearer token"))
			return
		}
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.writeError(c, domain.Unauthorized(err.Error()))
			return
		}

		ctx := service.WithActor(c.Request.Context(), actor)
		reqLog := logger.FromContext(ctx, a.log).With(zap.String("store_id", actor.StoreID), zap.String("user_id", actor.UserID))
		c.Request = c.Request.WithContext(logger.WithContext(ctx, reqLog))
		c.Next()
	}
}

func (a *API) permit(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, _ := service.ActorFromContext(c.Request.Context())
		if err := EnforcePermission(actor, permission); err != nil {
			a.writeError(c, err)
			return
		}
		c.Next()
	}
}

// responseRecorder tees the response body so it can be stored for replay.
type responseRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *responseRecorder) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// idempotent guards a mutation with the Idempotency-Key header. Requests
// without the header pass straight through.
func (a *API) idempotent(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(idempotencyKeyHeader))
		if key == "" || a.gate == nil {
			c.Next()
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			a.writeError(c, domain.Validation(domain.CodeInvalidRequest, "Idempotency-Key is too long"))
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			a.writeError(c, &domain.Error{Status: http.StatusRequestEntityTooLarge, Kind: domain.KindValidation, Code: domain.CodeInvalidRequest, Message: "request body too large"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		actor, _ := service.ActorFromContext(c.Request.Context())
		hash := idempotency.HashRequest(c.Request.Method, c.Request.URL.Path, body)
		claim, err := a.gate.Claim(c.Request.Context(), actor.StoreID, action, key, hash)
		if err != nil {
			a.writeError(c, domain.Internal(err))
			return
		}

		switch claim.Outcome {
		case idempotency.Replay:
			c.Header(replayedHeader, "true")
			c.Data(claim.ResponseStatus, "application/json; charset=utf-8", claim.ResponseBody)
			c.Abort()
			return
		case idempotency.Conflict:
			a.writeError(c, domain.Conflict(domain.CodeIdempotencyConflict, "Idempotency-Key was already used with a different request"))
			return
		case idempotency.Processing:
			a.writeError(c, domain.Conflict(domain.CodeIdempotencyProcessing, "a request with this Idempotency-Key is still processing"))
			return
		}

		rec := &responseRecorder{ResponseWriter: c.Writer}
		c.Writer = rec
		ctx := service.WithIdempotencyKey(c.Request.Context(), key)
		c.Request = c.Request.WithContext(store.WithClaim(ctx, claim.Fence()))

		c.Next()

		status := rec.Status()
		err = a.gate.Complete(c.Request.Context(), claim, status, rec.body.Bytes())
		switch {
		case errors.Is(err, idempotency.ErrSuperseded):
			logger.FromContext(c.Request.Context(), a.log).Warn("idempotency claim superseded by a retry",
				zap.String("record_id", claim.RecordID), zap.Int("attempt", claim.Attempt))
		case err != nil:
			logger.FromContext(c.Request.Context(), a.log).Error("idempotency completion failed",
				zap.Error(err), zap.String("record_id", claim.RecordID))
		}
	}
}
