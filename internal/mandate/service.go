package mandate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/basket/consultd/internal/catalog"
	"github.com/basket/consultd/internal/persistence"
	"github.com/basket/consultd/internal/shared"
)

// Service issues and settles mandates. One instance per process, built at
// startup and torn down with the store.
type Service struct {
	store        *persistence.Store
	logger       *slog.Logger
	merchantID   string
	merchantName string
	intentTTL    time.Duration
	cartTTL      time.Duration
	now          func() time.Time
}

func NewService(store *persistence.Store, logger *slog.Logger, merchantID, merchantName string, intentTTL, cartTTL time.Duration) *Service {
	return &Service{
		store:        store,
		logger:       logger.With("component", "mandate"),
		merchantID:   merchantID,
		merchantName: merchantName,
		intentTTL:    intentTTL,
		cartTTL:      cartTTL,
		now:          time.Now,
	}
}

// CreateIntent builds an IntentMandate. skillID is optional; when given it
// is validated against the catalog before anything else. The mandate is
// never persisted: it exists to let a caller express intent before pricing
// is fixed.
func (s *Service) CreateIntent(ctx context.Context, description, skillID string) (*IntentMandate, error) {
	var skus []string
	if skillID != "" {
		if _, err := catalog.Parse(skillID); err != nil {
			return nil, err
		}
		skus = []string{skillID}
	}
	return &IntentMandate{
		UserCartConfirmationRequired: true,
		NaturalLanguageDescription:   description,
		Merchants:                    []string{s.merchantID},
		SKUs:                         skus,
		RequiresRefundability:        true,
		IntentExpiry:                 s.now().UTC().Add(s.intentTTL).Format(time.RFC3339),
	}, nil
}

// CreateCart snapshots the catalog price for a skill into a persisted,
// single-use cart. The stored price never changes afterwards, even if the
// catalog does.
func (s *Service) CreateCart(ctx context.Context, skillID, taskDescription string) (*CartMandate, error) {
	skill, err := catalog.Parse(skillID)
	if err != nil {
		return nil, err
	}
	entry, err := catalog.Lookup(skill)
	if err != nil {
		return nil, err
	}

	cartID := uuid.NewString()
	now := s.now().UTC()
	expiresAt := now.Add(s.cartTTL)
	amount := PaymentCurrencyAmount{
		Currency: catalog.Currency,
		Value:    formatPrice(entry.Price),
	}

	label := shared.TruncateRunes(taskDescription, 50)
	cart := &CartMandate{
		Contents: CartContents{
			ID:                           cartID,
			UserCartConfirmationRequired: true,
			PaymentRequest: PaymentRequest{
				MethodData: []PaymentMethodData{{
					SupportedMethods: SupportedPaymentMethod,
					Data:             map[string]any{"merchantId": s.merchantID},
				}},
				Details: PaymentDetails{
					ID: cartID,
					Total: PaymentItem{
						Label:        entry.Description,
						Amount:       amount,
						RefundPeriod: RefundPeriodDays,
					},
					DisplayItems: []PaymentItem{{
						Label:        fmt.Sprintf("%s - %s", skillID, label),
						Amount:       amount,
						RefundPeriod: RefundPeriodDays,
					}},
				},
			},
			CartExpiry:   expiresAt.Format(time.RFC3339),
			MerchantName: s.merchantName,
		},
		MerchantAuthorization: "MERCHANT_SIG_" + cartID,
	}

	cartJSON, err := json.Marshal(cart)
	if err != nil {
		return nil, fmt.Errorf("marshal cart mandate: %w", err)
	}
	if err := s.store.InsertCart(ctx, persistence.CartRecord{
		ID:              cartID,
		SkillID:         skillID,
		TaskDescription: taskDescription,
		CartJSON:        string(cartJSON),
		CreatedAt:       now,
		ExpiresAt:       expiresAt,
	}); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "cart mandate created",
		"trace_id", shared.TraceID(ctx),
		"cart_id", cartID,
		"skill_id", skillID,
		"amount", amount.Value,
		"currency", amount.Currency)
	return cart, nil
}

// ProcessPayment settles a cart into a PaymentMandate. The cart's
// single-use flag flips in the same transaction that records the payment,
// so two racing calls on one cart produce exactly one mandate.
func (s *Service) ProcessPayment(ctx context.Context, cartID string, method PaymentMethod, userAuthorization string) (*PaymentMandate, error) {
	rec, err := s.store.GetCart(ctx, cartID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, ErrCartNotFound
		}
		return nil, err
	}
	if rec.Used {
		return nil, ErrCartAlreadyUsed
	}
	now := s.now().UTC()
	if rec.ExpiresAt.Before(now) {
		return nil, ErrCartExpired
	}

	var cart CartMandate
	if err := json.Unmarshal([]byte(rec.CartJSON), &cart); err != nil {
		return nil, fmt.Errorf("unmarshal cart mandate: %w", err)
	}

	paymentMandateID := uuid.NewString()
	methodName := method.MethodName
	if methodName == "" {
		methodName = "card"
	}
	if userAuthorization == "" {
		userAuthorization = "USER_SIG_" + paymentMandateID
	}
	pm := &PaymentMandate{
		PaymentMandateContents: PaymentMandateContents{
			PaymentMandateID:    paymentMandateID,
			PaymentDetailsID:    cartID,
			PaymentDetailsTotal: cart.Contents.PaymentRequest.Details.Total,
			PaymentResponse: PaymentResponse{
				RequestID:  cartID,
				MethodName: methodName,
				Details:    method.Details,
				PayerName:  method.PayerName,
				PayerEmail: method.PayerEmail,
			},
			MerchantAgent: s.merchantID,
			Timestamp:     now.Format(time.RFC3339),
		},
		UserAuthorization: userAuthorization,
	}

	paymentJSON, err := json.Marshal(pm)
	if err != nil {
		return nil, fmt.Errorf("marshal payment mandate: %w", err)
	}
	amount, err := strconv.ParseFloat(cart.Contents.PaymentRequest.Details.Total.Amount.Value, 64)
	if err != nil {
		return nil, fmt.Errorf("parse cart total %q: %w", cart.Contents.PaymentRequest.Details.Total.Amount.Value, err)
	}

	err = s.store.ConsumeCart(ctx, cartID, persistence.PaymentRecord{
		ID:          paymentMandateID,
		CartID:      cartID,
		PaymentJSON: string(paymentJSON),
		Amount:      amount,
		Currency:    cart.Contents.PaymentRequest.Details.Total.Amount.Currency,
		Status:      StatusAuthorized,
		CreatedAt:   now,
		ProcessedAt: now,
	})
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, ErrCartNotFound
		}
		if errors.Is(err, persistence.ErrCartAlreadyUsed) {
			return nil, ErrCartAlreadyUsed
		}
		return nil, err
	}

	s.logger.InfoContext(ctx, "payment authorized",
		"trace_id", shared.TraceID(ctx),
		"cart_id", cartID,
		"payment_mandate_id", paymentMandateID,
		"amount", amount,
		"currency", cart.Contents.PaymentRequest.Details.Total.Amount.Currency)
	return pm, nil
}

// GetCart returns the stored AP2 cart document.
func (s *Service) GetCart(ctx context.Context, cartID string) (*CartMandate, error) {
	rec, err := s.store.GetCart(ctx, cartID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, ErrCartNotFound
		}
		return nil, err
	}
	var cart CartMandate
	if err := json.Unmarshal([]byte(rec.CartJSON), &cart); err != nil {
		return nil, fmt.Errorf("unmarshal cart mandate: %w", err)
	}
	return &cart, nil
}

// GetPayment returns the stored AP2 payment document.
func (s *Service) GetPayment(ctx context.Context, paymentMandateID string) (*PaymentMandate, error) {
	rec, err := s.store.GetPayment(ctx, paymentMandateID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, ErrPaymentMandateNotFound
		}
		return nil, err
	}
	var pm PaymentMandate
	if err := json.Unmarshal([]byte(rec.PaymentJSON), &pm); err != nil {
		return nil, fmt.Errorf("unmarshal payment mandate: %w", err)
	}
	return &pm, nil
}

// LookupAuthorized resolves a payment mandate id to its billing record,
// returning ErrPaymentMandateNotFound unless the mandate exists with
// authorized status.
func (s *Service) LookupAuthorized(ctx context.Context, paymentMandateID string) (*persistence.PaymentRecord, error) {
	rec, err := s.store.GetPayment(ctx, paymentMandateID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, ErrPaymentMandateNotFound
		}
		return nil, err
	}
	if rec.Status != StatusAuthorized {
		return nil, ErrPaymentMandateNotFound
	}
	return rec, nil
}

func formatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', 2, 64)
}
