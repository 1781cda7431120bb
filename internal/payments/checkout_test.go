package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/rcourtman/meterd/internal/license"
	"github.com/shopspring/decimal"
	stripelib "github.com/stripe/stripe-go/v82"
)

type stubLicenses map[string]*license.License

func (s stubLicenses) Get(_ context.Context, key string) (*license.License, error) {
	if l, ok := s[key]; ok {
		return l, nil
	}
	return nil, license.ErrNotFound
}

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog(" 25:4000, 5:1000,10:1800 ", "USD")
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	pkgs := c.Packages()
	if len(pkgs) != 3 {
		t.Fatalf("packages = %d, want 3", len(pkgs))
	}
	if pkgs[0].Hours.String() != "5" || pkgs[2].Hours.String() != "25" {
		t.Fatalf("packages not sorted: %+v", pkgs)
	}
	if pkgs[1].Amount != 1800 || pkgs[1].Currency != "usd" {
		t.Fatalf("package 10h = %+v", pkgs[1])
	}

	if _, err := c.Lookup(decimal.NewFromInt(10)); err != nil {
		t.Fatalf("Lookup(10): %v", err)
	}
	if _, err := c.Lookup(decimal.NewFromInt(7)); !errors.Is(err, ErrUnknownPackage) {
		t.Fatalf("Lookup(7) err = %v, want ErrUnknownPackage", err)
	}

	for _, bad := range []string{"", "5", "5:x", "x:100", "-1:100", "5:0", "5:100,5:200"} {
		if _, err := ParseCatalog(bad, "usd"); err == nil {
			t.Errorf("ParseCatalog(%q) succeeded, want error", bad)
		}
	}
}

func newTestCheckout(t *testing.T, apiKey string) (*Checkout, *[]*stripelib.CheckoutSessionParams) {
	t.Helper()
	catalog, err := ParseCatalog("5:1000,10:1800", "usd")
	if err != nil {
		t.Fatal(err)
	}
	licenses := stubLicenses{
		"L1": {Key: "L1", Status: license.StatusActive, Email: "ops@example.com"},
		"L2": {Key: "L2", Status: license.StatusRevoked},
	}
	c := NewCheckout(CheckoutConfig{SuccessURL: "https://app.example.com/ok", CancelURL: "https://app.example.com/cancel"}, catalog, licenses)
	c.cfg.APIKey = apiKey

	var calls []*stripelib.CheckoutSessionParams
	c.createCheckoutSession = func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error) {
		calls = append(calls, params)
		return &stripelib.CheckoutSession{ID: "cs_test", URL: "https://checkout.stripe.com/c/pay/cs_test"}, nil
	}
	return c, &calls
}

func TestCheckoutCreate(t *testing.T) {
	c, calls := newTestCheckout(t, "sk_test_123")

	url, err := c.Create(context.Background(), "L1", decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if url != "https://checkout.stripe.com/c/pay/cs_test" {
		t.Fatalf("url = %q", url)
	}
	if len(*calls) != 1 {
		t.Fatalf("stripe calls = %d, want 1", len(*calls))
	}
	p := (*calls)[0]
	if *p.Mode != "payment" {
		t.Errorf("mode = %s, want payment", *p.Mode)
	}
	if p.Metadata["license_key"] != "L1" || p.Metadata["hours"] != "10" {
		t.Errorf("metadata = %v", p.Metadata)
	}
	if *p.LineItems[0].PriceData.UnitAmount != 1800 || *p.LineItems[0].PriceData.Currency != "usd" {
		t.Errorf("price data = %+v", p.LineItems[0].PriceData)
	}
	if p.CustomerEmail == nil || *p.CustomerEmail != "ops@example.com" {
		t.Errorf("customer email not prefilled")
	}
}

func TestCheckoutErrors(t *testing.T) {
	c, calls := newTestCheckout(t, "sk_test_123")
	ctx := context.Background()

	if _, err := c.Create(ctx, "L1", decimal.NewFromInt(7)); !errors.Is(err, ErrUnknownPackage) {
		t.Errorf("unknown package err = %v", err)
	}
	if _, err := c.Create(ctx, "L9", decimal.NewFromInt(5)); !errors.Is(err, license.ErrInvalidLicense) {
		t.Errorf("unknown license err = %v", err)
	}
	if _, err := c.Create(ctx, "L2", decimal.NewFromInt(5)); !errors.Is(err, license.ErrRevoked) {
		t.Errorf("revoked license err = %v", err)
	}
	if len(*calls) != 0 {
		t.Errorf("stripe called %d times for invalid requests", len(*calls))
	}

	c.createCheckoutSession = func(*stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error) {
		return nil, errors.New("stripe down")
	}
	if _, err := c.Create(ctx, "L1", decimal.NewFromInt(5)); err == nil {
		t.Error("expected stripe failure to surface")
	}

	unconfigured, _ := newTestCheckout(t, "")
	if _, err := unconfigured.Create(ctx, "L1", decimal.NewFromInt(5)); !errors.Is(err, ErrCheckoutUnavailable) {
		t.Errorf("unconfigured err = %v", err)
	}
}
