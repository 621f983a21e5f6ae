package mandate_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/basket/consultd/internal/catalog"
	"github.com/basket/consultd/internal/mandate"
	"github.com/basket/consultd/internal/persistence"
)

const testMerchantID = "consulting-agent-merchant-001"

func newTestService(t *testing.T, cartTTL time.Duration) (*mandate.Service, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "consultd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := mandate.NewService(store, logger, testMerchantID, "Business Consultant Agent (AP2)", 24*time.Hour, cartTTL)
	return svc, store
}

func TestCreateIntentShape(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)

	intent, err := svc.CreateIntent(context.Background(), "I need a quick consultation", "quick-consult")
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if !intent.UserCartConfirmationRequired {
		t.Error("expected user_cart_confirmation_required")
	}
	if !intent.RequiresRefundability {
		t.Error("expected requires_refundability")
	}
	if len(intent.Merchants) != 1 || intent.Merchants[0] != testMerchantID {
		t.Errorf("unexpected merchants: %v", intent.Merchants)
	}
	if len(intent.SKUs) != 1 || intent.SKUs[0] != "quick-consult" {
		t.Errorf("unexpected skus: %v", intent.SKUs)
	}

	expiry, err := time.Parse(time.RFC3339, intent.IntentExpiry)
	if err != nil {
		t.Fatalf("intent expiry not RFC3339: %v", err)
	}
	until := time.Until(expiry)
	if until < 23*time.Hour || until > 25*time.Hour {
		t.Errorf("intent expiry %s not ~24h out", intent.IntentExpiry)
	}
}

func TestCreateIntentUnknownSkill(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	if _, err := svc.CreateIntent(context.Background(), "anything", "nonsense"); !errors.Is(err, catalog.ErrUnknownSkill) {
		t.Fatalf("expected ErrUnknownSkill, got %v", err)
	}
}

func TestCreateCartQuickConsult(t *testing.T) {
	svc, store := newTestService(t, time.Hour)
	ctx := context.Background()

	cart, err := svc.CreateCart(ctx, "quick-consult", "Should I raise prices?")
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}

	total := cart.Contents.PaymentRequest.Details.Total
	if total.Amount.Value != "25.00" || total.Amount.Currency != "USD" {
		t.Fatalf("expected 25.00 USD total, got %s %s", total.Amount.Value, total.Amount.Currency)
	}
	if total.RefundPeriod != mandate.RefundPeriodDays {
		t.Errorf("expected refund period %d, got %d", mandate.RefundPeriodDays, total.RefundPeriod)
	}
	if cart.Contents.ID == "" {
		t.Fatal("expected cart id")
	}
	if cart.Contents.PaymentRequest.Details.ID != cart.Contents.ID {
		t.Error("details id should equal cart id")
	}
	if !strings.HasPrefix(cart.MerchantAuthorization, "MERCHANT_SIG_") {
		t.Errorf("unexpected merchant authorization %q", cart.MerchantAuthorization)
	}

	items := cart.Contents.PaymentRequest.Details.DisplayItems
	if len(items) != 1 || !strings.HasPrefix(items[0].Label, "quick-consult - ") {
		t.Errorf("unexpected display items: %+v", items)
	}

	methods := cart.Contents.PaymentRequest.MethodData
	if len(methods) != 1 || methods[0].SupportedMethods != mandate.SupportedPaymentMethod {
		t.Errorf("unexpected method data: %+v", methods)
	}
	if methods[0].Data["merchantId"] != testMerchantID {
		t.Errorf("expected merchantId in method data, got %v", methods[0].Data)
	}

	expiry, err := time.Parse(time.RFC3339, cart.Contents.CartExpiry)
	if err != nil {
		t.Fatalf("cart expiry not RFC3339: %v", err)
	}
	if until := time.Until(expiry); until < 50*time.Minute || until > 70*time.Minute {
		t.Errorf("cart expiry %s not ~1h out", cart.Contents.CartExpiry)
	}

	rec, err := store.GetCart(ctx, cart.Contents.ID)
	if err != nil {
		t.Fatalf("cart not persisted: %v", err)
	}
	if rec.Used {
		t.Error("fresh cart must not be marked used")
	}
	if rec.SkillID != "quick-consult" {
		t.Errorf("unexpected persisted skill %q", rec.SkillID)
	}
}

func TestCreateCartUnknownSkill(t *testing.T) {
	svc, store := newTestService(t, time.Hour)
	if _, err := svc.CreateCart(context.Background(), "bad-skill", "whatever"); !errors.Is(err, catalog.ErrUnknownSkill) {
		t.Fatalf("expected ErrUnknownSkill, got %v", err)
	}
	var count int
	if err := store.DB().QueryRow("SELECT COUNT(1) FROM cart_mandates").Scan(&count); err != nil {
		t.Fatalf("count carts: %v", err)
	}
	if count != 0 {
		t.Fatalf("unknown skill must not persist a cart, found %d", count)
	}
}

func TestCreateCartTruncatesLongLabels(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	long := strings.Repeat("x", 200)
	cart, err := svc.CreateCart(context.Background(), "quick-consult", long)
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	label := cart.Contents.PaymentRequest.Details.DisplayItems[0].Label
	if want := "quick-consult - " + strings.Repeat("x", 50); label != want {
		t.Fatalf("expected truncated label, got %q", label)
	}
}

func TestCreateCartTruncatesOnRuneBoundary(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	// 49 ASCII bytes then a 3-byte rune straddling the 50-byte cap.
	desc := strings.Repeat("x", 49) + "日本語"
	cart, err := svc.CreateCart(context.Background(), "quick-consult", desc)
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	label := cart.Contents.PaymentRequest.Details.DisplayItems[0].Label
	if !utf8.ValidString(label) {
		t.Fatalf("label contains a split rune: %q", label)
	}
	if want := "quick-consult - " + strings.Repeat("x", 49); label != want {
		t.Fatalf("expected rune-boundary truncation, got %q", label)
	}
}

func TestProcessPaymentHappyPath(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	ctx := context.Background()

	cart, err := svc.CreateCart(ctx, "quick-consult", "quick advice")
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	pm, err := svc.ProcessPayment(ctx, cart.Contents.ID, mandate.PaymentMethod{}, "")
	if err != nil {
		t.Fatalf("process payment: %v", err)
	}

	contents := pm.PaymentMandateContents
	if contents.PaymentMandateID == "" {
		t.Fatal("expected payment mandate id")
	}
	if contents.PaymentDetailsID != cart.Contents.ID {
		t.Errorf("payment details id %q != cart id %q", contents.PaymentDetailsID, cart.Contents.ID)
	}
	if contents.PaymentResponse.MethodName != "card" {
		t.Errorf("expected default method card, got %q", contents.PaymentResponse.MethodName)
	}
	if contents.MerchantAgent != testMerchantID {
		t.Errorf("unexpected merchant agent %q", contents.MerchantAgent)
	}
	if want := "USER_SIG_" + contents.PaymentMandateID; pm.UserAuthorization != want {
		t.Errorf("expected default authorization %q, got %q", want, pm.UserAuthorization)
	}

	rec, err := svc.LookupAuthorized(ctx, contents.PaymentMandateID)
	if err != nil {
		t.Fatalf("lookup authorized: %v", err)
	}
	if rec.Amount != 25.00 || rec.Currency != "USD" {
		t.Errorf("expected billing 25.00 USD, got %.2f %s", rec.Amount, rec.Currency)
	}
	if rec.Status != mandate.StatusAuthorized {
		t.Errorf("expected authorized status, got %q", rec.Status)
	}
}

func TestProcessPaymentDoubleSpend(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	ctx := context.Background()

	cart, err := svc.CreateCart(ctx, "business-analysis", "analyze my startup")
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	if _, err := svc.ProcessPayment(ctx, cart.Contents.ID, mandate.PaymentMethod{}, ""); err != nil {
		t.Fatalf("first payment: %v", err)
	}
	if _, err := svc.ProcessPayment(ctx, cart.Contents.ID, mandate.PaymentMethod{}, ""); !errors.Is(err, mandate.ErrCartAlreadyUsed) {
		t.Fatalf("second payment: expected ErrCartAlreadyUsed, got %v", err)
	}
}

func TestProcessPaymentExpiredCart(t *testing.T) {
	// Negative TTL issues carts that are already expired.
	svc, _ := newTestService(t, -time.Minute)
	ctx := context.Background()

	cart, err := svc.CreateCart(ctx, "quick-consult", "too slow")
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	if _, err := svc.ProcessPayment(ctx, cart.Contents.ID, mandate.PaymentMethod{}, ""); !errors.Is(err, mandate.ErrCartExpired) {
		t.Fatalf("expected ErrCartExpired, got %v", err)
	}
}

func TestProcessPaymentUnknownCart(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	if _, err := svc.ProcessPayment(context.Background(), "no-such-cart", mandate.PaymentMethod{}, ""); !errors.Is(err, mandate.ErrCartNotFound) {
		t.Fatalf("expected ErrCartNotFound, got %v", err)
	}
}

func TestGetCartRoundTrip(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	ctx := context.Background()

	created, err := svc.CreateCart(ctx, "market-research", "competitor scan")
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	got, err := svc.GetCart(ctx, created.Contents.ID)
	if err != nil {
		t.Fatalf("get cart: %v", err)
	}
	if got.Contents.ID != created.Contents.ID {
		t.Fatalf("cart id mismatch: %q vs %q", got.Contents.ID, created.Contents.ID)
	}
	if got.Contents.PaymentRequest.Details.Total.Amount.Value != "75.00" {
		t.Fatalf("expected stored total 75.00, got %q", got.Contents.PaymentRequest.Details.Total.Amount.Value)
	}
}

func TestLookupAuthorizedUnknown(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	if _, err := svc.LookupAuthorized(context.Background(), "missing"); !errors.Is(err, mandate.ErrPaymentMandateNotFound) {
		t.Fatalf("expected ErrPaymentMandateNotFound, got %v", err)
	}
}
