package models

import (
	"time"

	"github.com/google/uuid"
)

// CheckoutAttempt is the persisted record of one checkout attempt.
type CheckoutAttempt struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	SessionID     string    `gorm:"index;not null" json:"session_id"`
	SignerAddress string    `gorm:"size:56;not null" json:"signer_address"`
	Flow          string    `gorm:"size:16;not null" json:"flow"`
	State         string    `gorm:"size:32;not null" json:"state"`
	Status        string    `gorm:"size:64;not null" json:"status"`
	ItemCount     int       `json:"item_count"`
	PayeeCount    int       `json:"payee_count"`
	Total         string    `gorm:"size:32" json:"total"`
	Asset         string    `gorm:"size:70" json:"asset"`
	TxHash        *string   `gorm:"size:64;index" json:"tx_hash,omitempty"`
	Ledger        *int32    `json:"ledger,omitempty"`
	FailureKind   *string   `gorm:"size:32" json:"failure_kind,omitempty"`
	FailureDetail *string   `json:"failure_detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CheckoutEvent is published when an attempt reaches a terminal state.
type CheckoutEvent struct {
	Event         string           `json:"event"`
	AttemptID     string           `json:"attempt_id"`
	SessionID     string           `json:"session_id"`
	SignerAddress string           `json:"signer_address"`
	Flow          string           `json:"flow"`
	ItemCount     int              `json:"item_count"`
	Payments      []PaymentSummary `json:"payments"`
	Asset         string           `json:"asset"`
	TxHash        string           `json:"tx_hash,omitempty"`
	Ledger        int32            `json:"ledger,omitempty"`
	FailureKind   string           `json:"failure_kind,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

type PaymentSummary struct {
	Payee  string `json:"payee"`
	Amount string `json:"amount"`
}

const (
	EventCheckoutSettled = "checkout.settled"
	EventCheckoutFailed  = "checkout.failed"
)

// CheckoutRequest starts a checkout of the caller's cart.
type CheckoutRequest struct {
	SignerAddress string `json:"signer_address" binding:"required,stellar_address"`
}

// BuyNowRequest purchases a single product without touching the cart.
type BuyNowRequest struct {
	SignerAddress string   `json:"signer_address" binding:"required,stellar_address"`
	Item          LineItem `json:"item" binding:"required"`
}

// SignatureRequest delivers a wallet-signed envelope.
type SignatureRequest struct {
	SignedXDR string `json:"signed_xdr" binding:"required"`
}
