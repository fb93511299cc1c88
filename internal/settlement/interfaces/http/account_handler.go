// Package http 清算服务的 HTTP 接入层：充值入口与账户查询。
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/cryptoexchange/internal/settlement/application"
	"github.com/wyfcoding/cryptoexchange/internal/settlement/domain"
)

// AccountHandler 账户 HTTP 处理器
type AccountHandler struct {
	service *application.SettlementService
}

// NewAccountHandler 创建账户 HTTP 处理器
func NewAccountHandler(service *application.SettlementService) *AccountHandler {
	return &AccountHandler{service: service}
}

// RegisterRoutes 注册路由
func (h *AccountHandler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.POST("/balances/deposit", h.DepositBalance)
		api.POST("/coins/deposit", h.DepositCoin)
		api.GET("/balances", h.ListBalances)
		api.GET("/coins", h.ListCoins)
	}
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

type depositBalanceRequest struct {
	Currency string `json:"currency" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
}

// DepositBalance 资金充值
func (h *AccountHandler) DepositBalance(c *gin.Context) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing X-User-ID header"})
		return
	}

	var req depositBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dto, err := h.service.DepositBalance(c.Request.Context(), userID, req.Currency, req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto)
}

type depositCoinRequest struct {
	Coin     string `json:"coin" binding:"required"`
	Quantity string `json:"quantity" binding:"required"`
}

// DepositCoin 持仓充值
func (h *AccountHandler) DepositCoin(c *gin.Context) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing X-User-ID header"})
		return
	}

	var req depositCoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dto, err := h.service.DepositCoin(c.Request.Context(), userID, req.Coin, req.Quantity)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto)
}

// ListBalances 查询资金账户
func (h *AccountHandler) ListBalances(c *gin.Context) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing X-User-ID header"})
		return
	}

	dtos, err := h.service.ListBalances(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": dtos})
}

// ListCoins 查询持仓账户
func (h *AccountHandler) ListCoins(c *gin.Context) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing X-User-ID header"})
		return
	}

	dtos, err := h.service.ListCoins(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"coins": dtos})
}

func (h *AccountHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrBalanceNotFound), errors.Is(err, domain.ErrCoinNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrInsufficientQuantity):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
