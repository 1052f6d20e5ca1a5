package protocol

import (
	"encoding/json"
	"fmt"
)

// CEP-8 notification payloads. Amounts are whole units of the priced
// capability (sats for the lightning PMIs).

// PaymentRequiredParams is the payload of notifications/payment_required.
type PaymentRequiredParams struct {
	Amount      int64          `json:"amount"`
	PayReq      string         `json:"pay_req"`
	PMI         string         `json:"pmi"`
	Description string         `json:"description,omitempty"`
	TTL         int64          `json:"ttl,omitempty"`
	Meta        map[string]any `json:"_meta,omitempty"`
}

// PaymentAcceptedParams is the payload of notifications/payment_accepted.
type PaymentAcceptedParams struct {
	Amount int64          `json:"amount"`
	PMI    string         `json:"pmi"`
	Meta   map[string]any `json:"_meta,omitempty"`
}

// PaymentRejectedParams is the payload of notifications/payment_rejected.
type PaymentRejectedParams struct {
	PMI     string `json:"pmi"`
	Amount  int64  `json:"amount,omitempty"`
	Message string `json:"message,omitempty"`
}

// ProgressParams is the payload of notifications/progress.
type ProgressParams struct {
	ProgressToken any     `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total,omitempty"`
}

// DecodePaymentRequired parses a payment_required params payload.
func DecodePaymentRequired(params json.RawMessage) (*PaymentRequiredParams, error) {
	var p PaymentRequiredParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode payment_required params: %w", err)
	}
	if p.PayReq == "" || p.PMI == "" {
		return nil, fmt.Errorf("payment_required params missing pay_req or pmi")
	}
	return &p, nil
}

// DecodePaymentRejected parses a payment_rejected params payload.
func DecodePaymentRejected(params json.RawMessage) (*PaymentRejectedParams, error) {
	var p PaymentRejectedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode payment_rejected params: %w", err)
	}
	return &p, nil
}
