package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// OfferTerms is one of CashTerms, SwapTerms or HybridTerms.
type OfferTerms interface {
	OrderType() OrderType
	CashAmount() int64
	Validate() error
	isOfferTerms()
}

type SwapItem struct {
	ListingID   string `json:"listing_id"`
	Description string `json:"description,omitempty"`
}

type CashTerms struct {
	Amount int64 `json:"amount"`
}

type SwapTerms struct {
	Items []SwapItem `json:"items"`
}

type HybridTerms struct {
	Amount int64      `json:"amount"`
	Items  []SwapItem `json:"items"`
}

func (CashTerms) OrderType() OrderType   { return OrderTypeCash }
func (SwapTerms) OrderType() OrderType   { return OrderTypeSwap }
func (HybridTerms) OrderType() OrderType { return OrderTypeHybrid }

func (t CashTerms) CashAmount() int64   { return t.Amount }
func (SwapTerms) CashAmount() int64     { return 0 }
func (t HybridTerms) CashAmount() int64 { return t.Amount }

func (CashTerms) isOfferTerms()   {}
func (SwapTerms) isOfferTerms()   {}
func (HybridTerms) isOfferTerms() {}

func (t CashTerms) Validate() error {
	if t.Amount <= 0 {
		return errors.New("cash offer amount must be positive")
	}
	return nil
}

func (t SwapTerms) Validate() error {
	return validateItems(t.Items)
}

func (t HybridTerms) Validate() error {
	if t.Amount <= 0 {
		return errors.New("hybrid offer amount must be positive")
	}
	return validateItems(t.Items)
}

func validateItems(items []SwapItem) error {
	if len(items) == 0 {
		return errors.New("swap offer needs at least one item")
	}
	for _, it := range items {
		if it.ListingID == "" {
			return errors.New("swap item needs a listing_id")
		}
	}
	return nil
}

// Terms wraps OfferTerms for JSON and column storage as {"type": "...", ...}.
type Terms struct {
	OfferTerms
}

type termsEnvelope struct {
	Type   OrderType  `json:"type"`
	Amount int64      `json:"amount,omitempty"`
	Items  []SwapItem `json:"items,omitempty"`
}

func (t Terms) MarshalJSON() ([]byte, error) {
	if t.OfferTerms == nil {
		return []byte("null"), nil
	}
	env := termsEnvelope{Type: t.OrderType()}
	switch v := t.OfferTerms.(type) {
	case CashTerms:
		env.Amount = v.Amount
	case SwapTerms:
		env.Items = v.Items
	case HybridTerms:
		env.Amount = v.Amount
		env.Items = v.Items
	}
	return json.Marshal(env)
}

func (t *Terms) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		t.OfferTerms = nil
		return nil
	}
	var env termsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	switch env.Type {
	case OrderTypeCash:
		t.OfferTerms = CashTerms{Amount: env.Amount}
	case OrderTypeSwap:
		t.OfferTerms = SwapTerms{Items: env.Items}
	case OrderTypeHybrid:
		t.OfferTerms = HybridTerms{Amount: env.Amount, Items: env.Items}
	default:
		return fmt.Errorf("unknown offer type %q", env.Type)
	}
	return nil
}

func (t Terms) Value() (driver.Value, error) {
	if t.OfferTerms == nil {
		return nil, nil
	}
	b, err := t.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (t *Terms) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.OfferTerms = nil
		return nil
	case []byte:
		return t.UnmarshalJSON(v)
	case string:
		return t.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("cannot scan %T into Terms", src)
	}
}
