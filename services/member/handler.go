package member

import (
	"net/http"

	"smallbiznis-referral/pkg/db/pagination"
	"smallbiznis-referral/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type registerWalletRequest struct {
	Address string `json:"address" binding:"required"`
}

type joinPaymentRequest struct {
	TxHash string `json:"tx_hash"`
}

func RegisterRoutes(r *gin.Engine, h *Handler) {
	v1 := r.Group("/v1")

	users := v1.Group("/users")
	users.POST("", h.EnsureUser)
	users.GET("/:user_id", h.GetProfile)
	users.GET("/:user_id/downline", h.GetDownline)
	users.DELETE("/:user_id/children/:child_id", h.MarkChildRemoved)
	users.PUT("/:user_id/wallet", h.RegisterWallet)
	users.POST("/:user_id/join-payment", h.ConfirmJoinPayment)
	users.POST("/:user_id/withdrawals", h.RequestWithdrawal)
	users.POST("/:user_id/eligibility", h.RefreshEligibility)

	v1.POST("/settlements/run", h.ProcessScheduledPayouts)
}

func (h *Handler) EnsureUser(c *gin.Context) {
	var req EnsureUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	account, err := h.svc.EnsureUser(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *Handler) GetProfile(c *gin.Context) {
	profile, err := h.svc.GetProfile(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *Handler) GetDownline(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	out, err := h.svc.GetDownline(c.Request.Context(), c.Param("user_id"), page)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// MarkChildRemoved is mounted at /users/:user_id/children/:child_id, where
// user_id is the parent.
func (h *Handler) MarkChildRemoved(c *gin.Context) {
	if err := h.svc.MarkChildRemoved(c.Request.Context(), c.Param("user_id"), c.Param("child_id")); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) RegisterWallet(c *gin.Context) {
	var req registerWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	account, err := h.svc.RegisterWallet(c.Request.Context(), c.Param("user_id"), req.Address)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *Handler) ConfirmJoinPayment(c *gin.Context) {
	var req joinPaymentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errutil.BadRequest("invalid request body", err))
			return
		}
	}

	receipt, err := h.svc.ConfirmJoinPayment(c.Request.Context(), c.Param("user_id"), req.TxHash)
	if err != nil {
		c.Error(err)
		return
	}

	status := http.StatusOK
	if receipt.Queued {
		status = http.StatusAccepted
	}
	c.JSON(status, receipt)
}

func (h *Handler) RequestWithdrawal(c *gin.Context) {
	receipt, err := h.svc.RequestWithdrawal(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, receipt)
}

func (h *Handler) RefreshEligibility(c *gin.Context) {
	account, err := h.svc.RefreshEligibility(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *Handler) ProcessScheduledPayouts(c *gin.Context) {
	if err := h.svc.ProcessScheduledPayouts(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
}
