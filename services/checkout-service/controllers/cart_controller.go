package controllers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stellardevsa/marketplace/services/checkout-service/database"
	"github.com/stellardevsa/marketplace/services/checkout-service/models"
	"github.com/stellardevsa/marketplace/services/checkout-service/services"
	apperrors "github.com/stellardevsa/marketplace/services/common/errors"
	"github.com/stellardevsa/marketplace/services/common/logger"
	"github.com/stellardevsa/marketplace/services/common/middleware"
)

// CartGuard serialises cart edits with checkout attempts of the same session.
type CartGuard interface {
	EditCart(ctx context.Context, sessionID string, edit func(context.Context) error) error
}

type CartController struct {
	Repo  *database.CartRepository
	Asset services.Asset
	// Guard rejects edits while a checkout is running. Nil allows every edit.
	Guard  CartGuard
	Logger *zap.Logger
}

func NewCartController(repo *database.CartRepository, asset services.Asset, log *zap.Logger) *CartController {
	if err := RegisterValidators(); err != nil {
		panic(err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CartController{Repo: repo, Asset: asset, Logger: log}
}

// GetCart returns the session's cart with its totals.
func (cc *CartController) GetCart(c *gin.Context) {
	sessionID, ok := session(c)
	if !ok {
		return
	}

	cart, err := cc.Repo.GetCart(c.Request.Context(), sessionID)
	if err != nil {
		logger.For(c, cc.Logger).Error("get cart failed", zap.String("session_id", sessionID), zap.Error(err))
		_ = c.Error(apperrors.Wrap(apperrors.ErrInternalServer, err))
		return
	}
	c.JSON(http.StatusOK, cc.summary(sessionID, cart))
}

// AddItem adds a product, merging quantities with an existing line.
func (cc *CartController) AddItem(c *gin.Context) {
	sessionID, ok := session(c)
	if !ok {
		return
	}

	var item models.LineItem
	if err := c.ShouldBindJSON(&item); err != nil {
		_ = c.Error(apperrors.New(http.StatusBadRequest, "invalid payload", err))
		return
	}

	cart, err := cc.edit(c.Request.Context(), sessionID, func(ctx context.Context) (*models.Cart, error) {
		return cc.Repo.AddItem(ctx, sessionID, item)
	})
	cc.respond(c, sessionID, cart, err)
}

// UpdateQuantity sets a line's quantity; zero or less removes it.
func (cc *CartController) UpdateQuantity(c *gin.Context) {
	sessionID, ok := session(c)
	if !ok {
		return
	}

	var req models.UpdateQuantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.New(http.StatusBadRequest, "invalid payload", err))
		return
	}

	productID := c.Param("product_id")
	cart, err := cc.edit(c.Request.Context(), sessionID, func(ctx context.Context) (*models.Cart, error) {
		return cc.Repo.UpdateQuantity(ctx, sessionID, productID, req.Quantity)
	})
	cc.respond(c, sessionID, cart, err)
}

func (cc *CartController) RemoveItem(c *gin.Context) {
	sessionID, ok := session(c)
	if !ok {
		return
	}

	productID := c.Param("product_id")
	cart, err := cc.edit(c.Request.Context(), sessionID, func(ctx context.Context) (*models.Cart, error) {
		return cc.Repo.RemoveItem(ctx, sessionID, productID)
	})
	cc.respond(c, sessionID, cart, err)
}

func (cc *CartController) ClearCart(c *gin.Context) {
	sessionID, ok := session(c)
	if !ok {
		return
	}

	_, err := cc.edit(c.Request.Context(), sessionID, func(ctx context.Context) (*models.Cart, error) {
		return nil, cc.Repo.DeleteCart(ctx, sessionID)
	})
	switch {
	case errors.Is(err, services.ErrCheckoutInProgress):
		_ = c.Error(checkoutError(err))
	case err != nil:
		logger.For(c, cc.Logger).Error("clear cart failed", zap.String("session_id", sessionID), zap.Error(err))
		_ = c.Error(apperrors.Wrap(apperrors.ErrInternalServer, err))
	default:
		c.JSON(http.StatusOK, gin.H{"message": "cart cleared"})
	}
}

// edit runs mutate under the guard when one is set.
func (cc *CartController) edit(ctx context.Context, sessionID string, mutate func(context.Context) (*models.Cart, error)) (*models.Cart, error) {
	if cc.Guard == nil {
		return mutate(ctx)
	}
	var cart *models.Cart
	err := cc.Guard.EditCart(ctx, sessionID, func(ctx context.Context) error {
		var err error
		cart, err = mutate(ctx)
		return err
	})
	return cart, err
}

func (cc *CartController) respond(c *gin.Context, sessionID string, cart *models.Cart, err error) {
	switch {
	case errors.Is(err, database.ErrItemNotFound):
		_ = c.Error(apperrors.New(http.StatusNotFound, "item not in cart", err))
	case errors.Is(err, services.ErrCheckoutInProgress):
		_ = c.Error(checkoutError(err))
	case err != nil:
		logger.For(c, cc.Logger).Error("update cart failed", zap.String("session_id", sessionID), zap.Error(err))
		_ = c.Error(apperrors.Wrap(apperrors.ErrInternalServer, err))
	default:
		c.JSON(http.StatusOK, cc.summary(sessionID, cart))
	}
}

func (cc *CartController) summary(sessionID string, cart *models.Cart) models.CartSummary {
	if cart == nil {
		cart = &models.Cart{UserID: sessionID}
	}
	if cart.Items == nil {
		cart.Items = []models.LineItem{}
	}

	total := decimal.Zero
	units := 0
	for _, item := range cart.Items {
		units += item.Quantity
		price, err := decimal.NewFromString(item.UnitPrice)
		if err != nil {
			continue
		}
		total = total.Add(price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	return models.CartSummary{
		Cart:       *cart,
		ItemCount:  len(cart.Items),
		TotalUnits: units,
		Total:      total.Round(services.AmountPrecision).StringFixed(services.AmountPrecision),
		Asset:      cc.Asset.String(),
	}
}

// session reads the caller's session id, rendering 401 when it is missing.
func session(c *gin.Context) (string, bool) {
	id, err := middleware.SessionID(c)
	if err != nil {
		_ = c.Error(apperrors.Wrap(apperrors.ErrUnauthorized, err))
		return "", false
	}
	return id, true
}
