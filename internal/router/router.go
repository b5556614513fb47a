package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"flash_checkout/internal/activity"
	"flash_checkout/internal/apperr"
	"flash_checkout/internal/config"
	"flash_checkout/internal/intake"
	"flash_checkout/internal/inventory"
	"flash_checkout/internal/metrics"
	"flash_checkout/internal/middleware"
	"flash_checkout/internal/model"
	"flash_checkout/internal/order"
	"flash_checkout/internal/payment"
	"flash_checkout/internal/reconcile"
	"flash_checkout/internal/saga"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SagaViewer exposes saga snapshots to operators.
type SagaViewer interface {
	Get(ctx context.Context, workflowID string) (*model.SagaExecution, error)
}

// Deps are the services behind the HTTP surface.
type Deps struct {
	Intake    *intake.Handler
	Inventory *inventory.Service
	Payments  *payment.Service
	Orders    *order.Service
	Reconcile *reconcile.Service
	Sagas     SagaViewer
	RDB       *rd.Client
	Config    config.AppConfig
	Log       *zap.Logger
}

// Setup registers every HTTP route.
func Setup(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// orders and payments
	api := r.Group("/api")
	api.POST("/orders",
		middleware.RedisRateLimit(d.RDB, d.Config.IntakeRateLimit, d.Config.IntakeRateWindow, d.Log),
		placeOrder(d.Intake))
	api.GET("/orders/:id", getOrder(d.Orders))
	api.POST("/orders/:id/cancel", cancelOrder(d.Orders))
	api.GET("/orders/:id/progress", getProgress(d.Orders))
	api.POST("/payments/process", processPayment(d.Payments))
	api.GET("/payments/order/:id", latestPayment(d.Payments))
	api.GET("/stock/:product_id", getStock(d.Inventory))

	// operators
	admin := api.Group("/admin", middleware.AdminToken(d.Config.AdminToken))
	admin.POST("/restock", restock(d.Inventory))
	admin.PUT("/prices/:product_id", setPrice(d.Inventory))
	admin.POST("/sync-cache", syncCache(d.Reconcile))
	admin.GET("/reconcile", reconcileAll(d.Reconcile))
	admin.GET("/reconcile/:product_id", reconcileProduct(d.Reconcile))
	admin.GET("/sagas/:order_id", getSaga(d.Sagas))

	// services called by saga activities
	internal := r.Group("/internal")
	internal.POST("/inventory/reservations", reserveInventory(d.Inventory))
	internal.POST("/inventory/reservations/release", releaseInventory(d.Inventory))
	internal.POST("/payments", initiatePayment(d.Payments))
	internal.POST("/payments/:id/refund", refundPayment(d.Payments))
	internal.POST("/payments/:id/void", voidPayment(d.Payments))
	internal.POST("/orders/:id/confirm", confirmOrder(d.Orders))
	internal.POST("/orders/:id/fail", failOrder(d.Orders))
	internal.POST("/orders/:id/progress", reportProgress(d.Orders))
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"code": 0, "data": data})
}

// fail answers with the status the error maps to.
func fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	_ = c.Error(err)
	c.JSON(status, gin.H{"code": status, "msg": err.Error()})
}

// bind decodes the JSON body and answers 400 with readable field errors on failure.
func bind(c *gin.Context, req any) bool {
	err := c.ShouldBindJSON(req)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fieldMessage(fe))
		}
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": strings.Join(msgs, "; ")})
		return false
	}
	c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
	return false
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}

// placeOrder admits a purchase. The order is only PENDING here; fulfilment runs asynchronously.
func placeOrder(h *intake.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req intake.PlaceRequest
		if !bind(c, &req) {
			return
		}
		if id := c.GetHeader(middleware.UserHeader); id != "" && id != req.UserID {
			c.JSON(http.StatusForbidden, gin.H{"code": 403, "msg": "user_id does not match caller"})
			return
		}
		p, err := h.Place(c.Request.Context(), req)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusAccepted, p)
	}
}

func getOrder(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := svc.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, o)
	}
}

func cancelOrder(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := svc.Cancel(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		if o.Status == model.OrderCancelled {
			ok(c, http.StatusOK, gin.H{"order_id": o.ID, "status": o.Status})
			return
		}
		ok(c, http.StatusAccepted, gin.H{"order_id": o.ID, "status": o.Status, "msg": "cancellation requested"})
	}
}

func getProgress(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := svc.Progress(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, st)
	}
}

func processPayment(svc *payment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req payment.ProcessRequest
		if !bind(c, &req) {
			return
		}
		p, err := svc.Process(c.Request.Context(), req)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, p)
	}
}

func latestPayment(svc *payment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := svc.LatestForOrder(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, p)
	}
}

func getStock(svc *inventory.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := svc.Stock(c.Request.Context(), c.Param("product_id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, view)
	}
}

func restock(svc *inventory.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req inventory.RestockRequest
		if !bind(c, &req) {
			return
		}
		view, err := svc.Restock(c.Request.Context(), req)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, view)
	}
}

func setPrice(svc *inventory.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Price int64 `json:"price" binding:"required,min=1"` // cents
		}
		if !bind(c, &req) {
			return
		}
		productID := c.Param("product_id")
		if err := svc.SetPrice(c.Request.Context(), productID, req.Price); err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, gin.H{"product_id": productID, "price": req.Price})
	}
}

func syncCache(svc *reconcile.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := svc.SeedIfAbsent(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, gin.H{"seeded": n})
	}
}

func reconcileAll(svc *reconcile.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		reports, err := svc.ReconcileAll(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, reports)
	}
}

func reconcileProduct(svc *reconcile.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := svc.ReconcileProduct(c.Request.Context(), c.Param("product_id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, r)
	}
}

func getSaga(sagas SagaViewer) gin.HandlerFunc {
	return func(c *gin.Context) {
		exec, err := sagas.Get(c.Request.Context(), saga.WorkflowID(c.Param("order_id")))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, exec)
	}
}

func reserveInventory(svc *inventory.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req activity.ReserveRequest
		if !bind(c, &req) {
			return
		}
		r, err := svc.Reserve(c.Request.Context(), req.OrderID, req.ProductID, req.Quantity)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, r)
	}
}

func releaseInventory(svc *inventory.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req saga.ReleaseRequest
		if !bind(c, &req) {
			return
		}
		if err := svc.Release(c.Request.Context(), req); err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, gin.H{"order_id": req.OrderID})
	}
}

func initiatePayment(svc *payment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req activity.InitiatePaymentRequest
		if !bind(c, &req) {
			return
		}
		p, err := svc.Initiate(c.Request.Context(), req.OrderID, req.UserID, req.Amount)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, p)
	}
}

func refundPayment(svc *payment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req activity.RefundRequest
		if !bind(c, &req) {
			return
		}
		p, err := svc.Refund(c.Request.Context(), c.Param("id"), req.OrderID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, p)
	}
}

func voidPayment(svc *payment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req activity.RefundRequest
		if !bind(c, &req) {
			return
		}
		p, err := svc.Void(c.Request.Context(), c.Param("id"), req.OrderID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, p)
	}
}

func confirmOrder(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req activity.ConfirmRequest
		if !bind(c, &req) {
			return
		}
		o, err := svc.Confirm(c.Request.Context(), c.Param("id"), req.PaymentID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, o)
	}
}

func failOrder(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req activity.FailRequest
		if !bind(c, &req) {
			return
		}
		o, err := svc.Fail(c.Request.Context(), c.Param("id"), req.Reason, req.Cancelled)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, o)
	}
}

func reportProgress(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req activity.ProgressRequest
		if !bind(c, &req) {
			return
		}
		if err := svc.ReportProgress(c.Request.Context(), c.Param("id"), req.Status, req.Message); err != nil {
			fail(c, err)
			return
		}
		ok(c, http.StatusOK, gin.H{"order_id": c.Param("id"), "status": req.Status})
	}
}
