package controllers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellardevsa/marketplace/services/checkout-service/models"
	"github.com/stellardevsa/marketplace/services/checkout-service/repository"
	"github.com/stellardevsa/marketplace/services/checkout-service/services"
	"github.com/stellardevsa/marketplace/services/checkout-service/signers"
	apperrors "github.com/stellardevsa/marketplace/services/common/errors"
	"github.com/stellardevsa/marketplace/services/common/logger"
)

// IdempotencyStore remembers which attempt an Idempotency-Key started.
type IdempotencyStore interface {
	GetIdempotency(ctx context.Context, key string) (string, error)
	SetIdempotency(ctx context.Context, key, attemptID string, ttl time.Duration) error
}

// TransactionLookup finds a submitted transaction on the network.
type TransactionLookup interface {
	TransactionStatus(ctx context.Context, hash string) (services.SettlementResult, bool, error)
}

type CheckoutController struct {
	Orchestrator *services.Orchestrator
	// Callback is set when buyers sign in the browser.
	Callback    *signers.CallbackAgent
	Lookup      TransactionLookup
	Attempts    repository.AttemptRepository
	Idempotency IdempotencyStore
	IdemTTL     time.Duration
	Heartbeat   time.Duration
	Logger      *zap.Logger
}

func NewCheckoutController(orch *services.Orchestrator, idem IdempotencyStore, opts ...func(*CheckoutController)) *CheckoutController {
	if err := RegisterValidators(); err != nil {
		panic(err)
	}
	cc := &CheckoutController{
		Orchestrator: orch,
		Idempotency:  idem,
		IdemTTL:      24 * time.Hour,
		Heartbeat:    15 * time.Second,
		Logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(cc)
	}
	return cc
}

type attemptResponse struct {
	services.Snapshot
	Status string        `json:"status"`
	Reason services.Kind `json:"reason,omitempty"`
	// Message is the user-facing text for Status.
	Message string `json:"message"`
}

func render(snap services.Snapshot) attemptResponse {
	return attemptResponse{
		Snapshot: snap,
		Status:   snap.Status.String(),
		Reason:   snap.Status.Reason,
		Message:  snap.Status.Message,
	}
}

// StartCheckout pays for the session's cart. A repeated Idempotency-Key
// returns the attempt it started the first time.
func (cc *CheckoutController) StartCheckout(c *gin.Context) {
	sessionID, ok := session(c)
	if !ok {
		return
	}

	var req models.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.New(http.StatusBadRequest, "invalid payload", err))
		return
	}

	key := c.GetHeader("Idempotency-Key")
	if key != "" {
		key = sessionID + ":" + key
		if cc.replay(c, sessionID, key) {
			return
		}
	}

	attempt, err := cc.Orchestrator.StartCheckout(c.Request.Context(), sessionID, req.SignerAddress)
	if err != nil {
		_ = c.Error(checkoutError(err))
		return
	}

	if key != "" {
		if err := cc.Idempotency.SetIdempotency(c.Request.Context(), key, attempt.ID, cc.IdemTTL); err != nil {
			logger.For(c, cc.Logger).Warn("failed to store idempotency key", zap.String("attempt_id", attempt.ID), zap.Error(err))
		}
	}
	cc.accepted(c, attempt)
}

// BuyNow pays for a single product without touching the cart.
func (cc *CheckoutController) BuyNow(c *gin.Context) {
	sessionID, ok := session(c)
	if !ok {
		return
	}

	var req models.BuyNowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.New(http.StatusBadRequest, "invalid payload", err))
		return
	}

	attempt, err := cc.Orchestrator.StartBuyNow(c.Request.Context(), sessionID, req.SignerAddress, req.Item)
	if err != nil {
		_ = c.Error(checkoutError(err))
		return
	}
	cc.accepted(c, attempt)
}

func (cc *CheckoutController) accepted(c *gin.Context, attempt *services.Attempt) {
	c.Header("Location", "/checkout/"+attempt.ID)
	c.JSON(http.StatusAccepted, render(attempt.Snapshot()))
}

// replay answers a repeated Idempotency-Key. It reports whether a response
// was written.
func (cc *CheckoutController) replay(c *gin.Context, sessionID, key string) bool {
	id, err := cc.Idempotency.GetIdempotency(c.Request.Context(), key)
	if err != nil {
		logger.For(c, cc.Logger).Warn("idempotency lookup failed", zap.Error(err))
		return false
	}
	if id == "" {
		return false
	}

	if a, ok := cc.Orchestrator.Attempt(id); ok && a.SessionID == sessionID {
		c.JSON(http.StatusOK, render(a.Snapshot()))
		return true
	}
	if cc.Attempts != nil {
		if uid, err := uuid.Parse(id); err == nil {
			if row, err := cc.Attempts.FindByID(c.Request.Context(), uid); err == nil && row.SessionID == sessionID {
				c.JSON(http.StatusOK, row)
				return true
			}
		}
	}
	_ = c.Error(apperrors.New(http.StatusConflict, "This request was already processed.", nil))
	return true
}

// GetAttempt returns the attempt, including the unsigned envelope the
// wallet has to sign.
func (cc *CheckoutController) GetAttempt(c *gin.Context) {
	attempt, ok := cc.attempt(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, render(attempt.Snapshot()))
}

// Events streams the attempt's transitions as server-sent events until it
// reaches a terminal state or the client goes away.
func (cc *CheckoutController) Events(c *gin.Context) {
	attempt, ok := cc.attempt(c)
	if !ok {
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(cc.Heartbeat)
	defer heartbeat.Stop()

	last := -1
	for {
		changed := attempt.Changed()
		snap := attempt.Snapshot()
		if snap.Version != last {
			c.SSEvent("status", render(snap))
			c.Writer.Flush()
			last = snap.Version
		}
		if snap.State.Terminal() {
			return
		}

		select {
		case <-changed:
		case <-heartbeat.C:
			c.SSEvent("ping", snap.Version)
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

// SubmitSignature hands the wallet-signed envelope to the waiting attempt.
func (cc *CheckoutController) SubmitSignature(c *gin.Context) {
	attempt, env, ok := cc.awaitingSignature(c)
	if !ok {
		return
	}

	var req models.SignatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.New(http.StatusBadRequest, "invalid payload", err))
		return
	}

	err := cc.Callback.Resolve(env.Hash, req.SignedXDR)
	switch {
	case errors.Is(err, signers.ErrInvalidSignature):
		_ = c.Error(apperrors.New(http.StatusBadRequest, "The signed transaction does not match this checkout.", err))
		return
	case err != nil:
		_ = c.Error(apperrors.New(http.StatusConflict, "This checkout is not waiting for a signature.", err))
		return
	}
	c.JSON(http.StatusAccepted, render(attempt.Snapshot()))
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// RejectSignature records that the buyer declined in the wallet.
func (cc *CheckoutController) RejectSignature(c *gin.Context) {
	attempt, env, ok := cc.awaitingSignature(c)
	if !ok {
		return
	}

	var req rejectRequest
	_ = c.ShouldBindJSON(&req)

	if err := cc.Callback.Reject(env.Hash, req.Reason); err != nil {
		_ = c.Error(apperrors.New(http.StatusConflict, "This checkout is not waiting for a signature.", err))
		return
	}
	c.JSON(http.StatusAccepted, render(attempt.Snapshot()))
}

// Cancel stops an attempt that has not been handed to the network yet.
func (cc *CheckoutController) Cancel(c *gin.Context) {
	attempt, ok := cc.attempt(c)
	if !ok {
		return
	}
	if !attempt.Cancel() {
		_ = c.Error(apperrors.New(http.StatusConflict, "The payment can no longer be cancelled.", nil))
		return
	}
	c.JSON(http.StatusAccepted, render(attempt.Snapshot()))
}

type reconcileResponse struct {
	AttemptID string                     `json:"attempt_id"`
	TxHash    string                     `json:"tx_hash"`
	Found     bool                       `json:"found"`
	Result    *services.SettlementResult `json:"result,omitempty"`
}

// Reconcile looks the attempt's transaction up on the network, so a buyer
// with an unknown outcome can see whether the payment went through.
func (cc *CheckoutController) Reconcile(c *gin.Context) {
	attempt, ok := cc.attempt(c)
	if !ok {
		return
	}
	if cc.Lookup == nil {
		_ = c.Error(apperrors.ErrServiceUnavailable)
		return
	}

	env, ok := attempt.Envelope()
	if !ok {
		_ = c.Error(apperrors.New(http.StatusConflict, "No transaction has been built for this checkout.", nil))
		return
	}

	res, found, err := cc.Lookup.TransactionStatus(c.Request.Context(), env.Hash)
	if err != nil {
		logger.For(c, cc.Logger).Warn("reconcile lookup failed", zap.String("tx_hash", env.Hash), zap.Error(err))
		_ = c.Error(apperrors.Wrap(apperrors.ErrServiceUnavailable, err))
		return
	}

	resp := reconcileResponse{AttemptID: attempt.ID, TxHash: env.Hash, Found: found}
	if found {
		resp.Result = &res
	}
	c.JSON(http.StatusOK, resp)
}

// ListAttempts returns the session's recorded attempts, newest first.
func (cc *CheckoutController) ListAttempts(c *gin.Context) {
	sessionID, ok := session(c)
	if !ok {
		return
	}
	if cc.Attempts == nil {
		_ = c.Error(apperrors.ErrServiceUnavailable)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	attempts, err := cc.Attempts.FindBySession(c.Request.Context(), sessionID, limit)
	if err != nil {
		logger.For(c, cc.Logger).Error("list attempts failed", zap.String("session_id", sessionID), zap.Error(err))
		_ = c.Error(apperrors.Wrap(apperrors.ErrInternalServer, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

// attempt loads the :id attempt owned by the caller's session.
func (cc *CheckoutController) attempt(c *gin.Context) (*services.Attempt, bool) {
	sessionID, ok := session(c)
	if !ok {
		return nil, false
	}
	a, found := cc.Orchestrator.Attempt(c.Param("id"))
	if !found || a.SessionID != sessionID {
		_ = c.Error(apperrors.New(http.StatusNotFound, "checkout not found", nil))
		return nil, false
	}
	return a, true
}

func (cc *CheckoutController) awaitingSignature(c *gin.Context) (*services.Attempt, services.UnsignedEnvelope, bool) {
	if cc.Callback == nil {
		_ = c.Error(apperrors.New(http.StatusNotFound, "Browser signing is not enabled.", nil))
		return nil, services.UnsignedEnvelope{}, false
	}
	attempt, ok := cc.attempt(c)
	if !ok {
		return nil, services.UnsignedEnvelope{}, false
	}
	env, ok := attempt.Envelope()
	if !ok || attempt.State() != services.StateAwaitingSignature {
		_ = c.Error(apperrors.New(http.StatusConflict, "This checkout is not waiting for a signature.", nil))
		return nil, services.UnsignedEnvelope{}, false
	}
	return attempt, env, true
}
