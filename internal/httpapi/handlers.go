package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/service"
)

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "time": time.Now().UTC()})
}

func (a *API) handleIdempotencyCleanup(c *gin.Context) {
	if !a.auth.VerifyCronSecret(bearerToken(c)) {
		a.writeError(c, domain.Unauthorized("invalid cron secret"))
		return
	}
	if a.gate == nil {
		a.writeError(c, domain.Internal(fmt.Errorf("idempotency gate not configured")))
		return
	}
	result, err := a.gate.Sweep(c.Request.Context())
	if err != nil {
		a.writeError(c, domain.Internal(err))
		return
	}
	c.JSON(http.StatusOK, result)
}

// rejectBinding answers a mutation whose body failed to bind and leaves the
// audit event the service would have written.
func (a *API) rejectBinding(c *gin.Context, action string, entityType string, entityID string, err error) {
	a.service.RecordRejected(c.Request.Context(), action, entityType, entityID, err)
	a.writeError(c, err)
}

func (a *API) handleRecordMovement(c *gin.Context) {
	var req domain.StockMovementRequest
	if err := bindJSON(c, &req); err != nil {
		a.rejectBinding(c, service.ActionStockMovement, "product", req.ProductID, err)
		return
	}
	resp, err := a.service.RecordMovement(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleListMovements(c *gin.Context) {
	productID := strings.TrimSpace(c.Query("product_id"))
	if productID == "" {
		a.writeError(c, domain.Validation(domain.CodeInvalidRequest, "product_id is required"))
		return
	}
	page, err := a.service.ListMovements(c.Request.Context(), productID, queryInt(c, "page", 1), queryInt(c, "page_size", 0))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (a *API) handleListBalances(c *gin.Context) {
	page, err := a.service.ListBalances(c.Request.Context(), queryInt(c, "page", 1), queryInt(c, "page_size", 0))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (a *API) handleGetBalance(c *gin.Context) {
	resp, err := a.service.GetBalance(c.Request.Context(), c.Param("productId"), queryBool(c, "cached"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleCreatePurchaseOrder(c *gin.Context) {
	var req domain.PurchaseOrderCreateRequest
	if err := bindJSON(c, &req); err != nil {
		a.rejectBinding(c, service.ActionPOCreate, "purchase_order", "", err)
		return
	}
	resp, err := a.service.CreatePurchaseOrder(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (a *API) handleListPurchaseOrders(c *gin.Context) {
	page, err := a.service.ListPurchaseOrders(c.Request.Context(), domain.PurchaseOrderFilter{
		Status:   domain.POStatus(strings.ToUpper(strings.TrimSpace(c.Query("status")))),
		Supplier: c.Query("supplier"),
		Page:     queryInt(c, "page", 1),
		PageSize: queryInt(c, "page_size", 0),
	})
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (a *API) handleGetPurchaseOrder(c *gin.Context) {
	detail, err := a.service.GetPurchaseOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (a *API) handleUpdateStatus(c *gin.Context) {
	var req domain.PurchaseOrderStatusRequest
	if err := bindJSON(c, &req); err != nil {
		a.rejectBinding(c, service.ActionPOStatus, "purchase_order", c.Param("id"), err)
		return
	}
	resp, err := a.service.UpdatePurchaseOrderStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleUpdatePurchaseOrder(c *gin.Context) {
	var req domain.PurchaseOrderUpdateRequest
	if err := bindJSON(c, &req); err != nil {
		a.rejectBinding(c, service.ActionPOUpdate, "purchase_order", c.Param("id"), err)
		return
	}
	resp, err := a.service.UpdatePurchaseOrder(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleSettlePayment(c *gin.Context) {
	var req domain.SettlePaymentRequest
	if err := bindJSON(c, &req); err != nil {
		a.rejectBinding(c, service.ActionPOSettle, "purchase_order", c.Param("id"), err)
		return
	}
	resp, err := a.service.SettlePayment(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func statementFilter(c *gin.Context) domain.StatementFilter {
	return domain.StatementFilter{
		Supplier:        c.Query("supplier"),
		DueStatus:       domain.DueStatus(c.Query("due_status")),
		OnlyOutstanding: queryBool(c, "only_outstanding"),
	}
}

func (a *API) handleStatement(c *gin.Context) {
	stmt, err := a.service.Statement(c.Request.Context(), statementFilter(c))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stmt)
}

var exportContentTypes = map[service.ExportFormat]string{
	service.ExportCSV:  "text/csv; charset=utf-8",
	service.ExportXLSX: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// handleExport buffers the whole file so a failure midway still produces a
// JSON error instead of a truncated download.
func (a *API) handleExport(format service.ExportFormat) gin.HandlerFunc {
	return func(c *gin.Context) {
		var buf bytes.Buffer
		if err := a.service.ExportStatement(c.Request.Context(), statementFilter(c), format, &buf); err != nil {
			a.writeError(c, err)
			return
		}
		filename := fmt.Sprintf("ap-statement-%s.%s", time.Now().UTC().Format("20060102"), format)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
		c.Data(http.StatusOK, exportContentTypes[format], buf.Bytes())
	}
}

func (a *API) handleListAuditEvents(c *gin.Context) {
	from, err := queryTime(c, "from")
	if err != nil {
		a.writeError(c, err)
		return
	}
	to, err := queryTime(c, "to")
	if err != nil {
		a.writeError(c, err)
		return
	}
	resp, err := a.service.ListAuditEvents(c.Request.Context(), domain.AuditFilter{
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
		From:       from,
		To:         to,
		Limit:      queryInt(c, "limit", 0),
	})
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
