package models

import "time"

// LineItem is one product in a buyer's cart. UnitPrice is a decimal string in
// units of the checkout asset; PayeeAddress is the seller's Stellar account.
type LineItem struct {
	ProductID    string `json:"product_id" binding:"required"`
	Name         string `json:"name"`
	PayeeAddress string `json:"seller" binding:"required,stellar_address"`
	UnitPrice    string `json:"price" binding:"required,stellar_amount"`
	Quantity     int    `json:"quantity" binding:"required,gt=0"`
	Image        string `json:"image,omitempty"`
}

type Cart struct {
	UserID    string     `json:"user_id"`
	Items     []LineItem `json:"items"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// CartSummary is the cart as returned to the storefront, with totals.
type CartSummary struct {
	Cart
	ItemCount  int    `json:"item_count"`
	TotalUnits int    `json:"total_units"`
	Total      string `json:"total"`
	Asset      string `json:"asset"`
}

// UpdateQuantityRequest sets a line item's quantity. Zero or less removes it.
type UpdateQuantityRequest struct {
	Quantity int `json:"quantity"`
}
