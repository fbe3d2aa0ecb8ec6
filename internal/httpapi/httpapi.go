package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/idempotency"
	"backoffice/backend/internal/logger"
	"backoffice/backend/internal/service"
)

const maxBodyBytes = 1 << 20

type API struct {
	service       *service.Service
	auth          *AuthManager
	gate          *idempotency.Gate
	log           *zap.Logger
	allowedOrigin string
}

func New(svc *service.Service, auth *AuthManager, gate *idempotency.Gate, allowedOrigin string, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		gate:          gate,
		log:           log,
		allowedOrigin: allowedOrigin,
	}
}

func (a *API) Handler() http.Handler {
	r := gin.New()
	r.Use(logger.Recovery(a.log), logger.GinMiddleware(a.log))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{a.allowedOrigin},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", idempotencyKeyHeader, logger.RequestIDHeader},
		ExposeHeaders:    []string{replayedHeader, logger.RequestIDHeader, "Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(securityHeaders(), limitBody(maxBodyBytes))

	r.GET("/healthz", a.handleHealth)
	r.POST("/internal/cron/idempotency-cleanup", a.handleIdempotencyCleanup)

	v1 := r.Group("/api/v1", a.authenticate())

	stock := v1.Group("/stock")
	stock.POST("/movements", a.permit(PermStockMove), a.idempotent(service.ActionStockMovement), a.handleRecordMovement)
	stock.GET("/movements", a.permit(PermStockRead), a.handleListMovements)
	stock.GET("/balances", a.permit(PermStockRead), a.handleListBalances)
	stock.GET("/balances/:productId", a.permit(PermStockRead), a.handleGetBalance)

	po := v1.Group("/purchase-orders")
	po.POST("", a.permit(PermPOCreate), a.idempotent(service.ActionPOCreate), a.handleCreatePurchaseOrder)
	po.GET("", a.permit(PermPORead), a.handleListPurchaseOrders)
	po.GET("/ap-by-supplier/statement", a.permit(PermAPRead), a.handleStatement)
	po.GET("/ap-by-supplier/export-csv", a.permit(PermAPRead), a.handleExport(service.ExportCSV))
	po.GET("/ap-by-supplier/export-xlsx", a.permit(PermAPRead), a.handleExport(service.ExportXLSX))
	po.GET("/:id", a.permit(PermPORead), a.handleGetPurchaseOrder)
	po.PATCH("/:id", a.permit(PermPOStatus), a.idempotent(service.ActionPOStatus), a.handleUpdateStatus)
	po.PUT("/:id", a.permit(PermPOUpdate), a.idempotent(service.ActionPOUpdate), a.handleUpdatePurchaseOrder)
	po.POST("/:id/settle", a.permit(PermPOSettle), a.idempotent(service.ActionPOSettle), a.handleSettlePayment)

	v1.GET("/audit-events", a.permit(PermAuditRead), a.handleListAuditEvents)

	return r
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		c.Next()
	}
}

func limitBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

// bindJSON decodes the request body into dest and runs its binding rules.
func bindJSON(c *gin.Context, dest any) error {
	err := c.ShouldBindJSON(dest)
	if err == nil {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &domain.Error{Status: http.StatusRequestEntityTooLarge, Kind: domain.KindValidation, Code: domain.CodeInvalidRequest, Message: "request body too large"}
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		return domain.Validation(domain.CodeInvalidRequest, strings.Join(fields, "; "))
	}
	return domain.Validation(domain.CodeInvalidRequest, "malformed JSON body")
}

// writeError is the only place errors become responses. Internal failures
// are logged and answered with a generic message.
func (a *API) writeError(c *gin.Context, err error) {
	de := domain.AsError(err)
	msg := de.Message
	if de.Status >= http.StatusInternalServerError {
		logger.FromContext(c.Request.Context(), a.log).Error("request failed", zap.Error(err), zap.String("code", de.Code))
		msg = "internal server error"
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(de.Status, gin.H{
		"error": msg,
		"code":  de.Code,
		"kind":  string(de.Kind),
	})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func queryTime(c *gin.Context, key string) (time.Time, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, domain.Validation(domain.CodeInvalidRequest, fmt.Sprintf("%s must be RFC3339 or YYYY-MM-DD", key))
	}
	return t.UTC(), nil
}

func queryBool(c *gin.Context, key string) bool {
	ok, _ := strconv.ParseBool(strings.TrimSpace(c.Query(key)))
	return ok
}
