// Package mandate implements the AP2 mandate pipeline: IntentMandate →
// CartMandate → PaymentMandate. The cart is the single source of truth for
// what a payment may authorize; its single-use flag is the only mutable
// field in the whole pipeline.
package mandate

import "errors"

var (
	ErrCartNotFound           = errors.New("cart not found")
	ErrCartAlreadyUsed        = errors.New("cart already used")
	ErrCartExpired            = errors.New("cart expired")
	ErrPaymentMandateNotFound = errors.New("payment mandate not found")
)

// SupportedPaymentMethod is the W3C payment-method identifier carried in
// every cart's method data.
const SupportedPaymentMethod = "https://pay.google.com/payment"

// RefundPeriodDays is the refund window attached to every payment item.
const RefundPeriodDays = 30

// IntentMandate is a non-binding statement of purchase intent. Ephemeral:
// never persisted, never consumed, never referenced by later calls.
type IntentMandate struct {
	UserCartConfirmationRequired bool     `json:"user_cart_confirmation_required"`
	NaturalLanguageDescription   string   `json:"natural_language_description"`
	Merchants                    []string `json:"merchants"`
	SKUs                         []string `json:"skus,omitempty"`
	RequiresRefundability        bool     `json:"requires_refundability"`
	IntentExpiry                 string   `json:"intent_expiry"`
}

// PaymentCurrencyAmount is a W3C PaymentCurrencyAmount. Value is a decimal
// string ("25.00"), not a float.
type PaymentCurrencyAmount struct {
	Currency string `json:"currency"`
	Value    string `json:"value"`
}

type PaymentItem struct {
	Label        string                `json:"label"`
	Amount       PaymentCurrencyAmount `json:"amount"`
	RefundPeriod int                   `json:"refund_period"`
}

type PaymentMethodData struct {
	SupportedMethods string         `json:"supported_methods"`
	Data             map[string]any `json:"data,omitempty"`
}

type PaymentDetails struct {
	ID           string        `json:"id"`
	Total        PaymentItem   `json:"total"`
	DisplayItems []PaymentItem `json:"display_items"`
}

// PaymentRequest follows the W3C Payment Request API shape.
type PaymentRequest struct {
	MethodData []PaymentMethodData `json:"method_data"`
	Details    PaymentDetails      `json:"details"`
}

type CartContents struct {
	ID                           string         `json:"id"`
	UserCartConfirmationRequired bool           `json:"user_cart_confirmation_required"`
	PaymentRequest               PaymentRequest `json:"payment_request"`
	CartExpiry                   string         `json:"cart_expiry"`
	MerchantName                 string         `json:"merchant_name"`
}

// CartMandate is a priced, expiring, single-use offer for one skill.
// MerchantAuthorization is a signature placeholder, not a real signature.
type CartMandate struct {
	Contents              CartContents `json:"contents"`
	MerchantAuthorization string       `json:"merchant_authorization"`
}

// PaymentMethod is the caller-supplied payment instrument description.
type PaymentMethod struct {
	MethodName string         `json:"method_name"`
	Details    map[string]any `json:"details,omitempty"`
	PayerName  string         `json:"payer_name,omitempty"`
	PayerEmail string         `json:"payer_email,omitempty"`
}

type PaymentResponse struct {
	RequestID  string         `json:"request_id"`
	MethodName string         `json:"method_name"`
	Details    map[string]any `json:"details,omitempty"`
	PayerName  string         `json:"payer_name,omitempty"`
	PayerEmail string         `json:"payer_email,omitempty"`
}

type PaymentMandateContents struct {
	PaymentMandateID    string          `json:"payment_mandate_id"`
	PaymentDetailsID    string          `json:"payment_details_id"`
	PaymentDetailsTotal PaymentItem     `json:"payment_details_total"`
	PaymentResponse     PaymentResponse `json:"payment_response"`
	MerchantAgent       string          `json:"merchant_agent"`
	Timestamp           string          `json:"timestamp"`
}

// PaymentMandate is the durable record that a cart was paid for. Created at
// most once per cart, immutable after creation.
type PaymentMandate struct {
	PaymentMandateContents PaymentMandateContents `json:"payment_mandate_contents"`
	UserAuthorization      string                 `json:"user_authorization"`
}

// StatusAuthorized is the only status a payment mandate can hold.
const StatusAuthorized = "authorized"
