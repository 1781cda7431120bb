package payments

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rcourtman/meterd/internal/license"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	stripelib "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
)

// Package is a purchasable bundle of hours.
type Package struct {
	Hours    decimal.Decimal `json:"hours"`
	Amount   int64           `json:"amount"` // minor currency units
	Currency string          `json:"currency"`
}

// Catalog is the fixed set of hour packages on sale.
type Catalog struct {
	packages []Package
}

// ParseCatalog parses "hours:amount" pairs separated by commas, for example
// "5:1000,10:1800".
func ParseCatalog(spec, currency string) (*Catalog, error) {
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = "usd"
	}
	c := &Catalog{}
	seen := make(map[string]bool)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		hoursRaw, amountRaw, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("package %q: want hours:amount", part)
		}
		hours, err := decimal.NewFromString(strings.TrimSpace(hoursRaw))
		if err != nil || !hours.IsPositive() {
			return nil, fmt.Errorf("package %q: hours must be a positive number", part)
		}
		amount, err := strconv.ParseInt(strings.TrimSpace(amountRaw), 10, 64)
		if err != nil || amount <= 0 {
			return nil, fmt.Errorf("package %q: amount must be a positive integer", part)
		}
		if seen[hours.String()] {
			return nil, fmt.Errorf("package %q: duplicate hours", part)
		}
		seen[hours.String()] = true
		c.packages = append(c.packages, Package{Hours: hours, Amount: amount, Currency: currency})
	}
	if len(c.packages) == 0 {
		return nil, fmt.Errorf("no hour packages configured")
	}
	sort.Slice(c.packages, func(i, j int) bool { return c.packages[i].Hours.LessThan(c.packages[j].Hours) })
	return c, nil
}

// Packages returns the packages, smallest first.
func (c *Catalog) Packages() []Package {
	out := make([]Package, len(c.packages))
	copy(out, c.packages)
	return out
}

// Lookup finds the package offering exactly hours.
func (c *Catalog) Lookup(hours decimal.Decimal) (Package, error) {
	for _, p := range c.packages {
		if p.Hours.Equal(hours) {
			return p, nil
		}
	}
	return Package{}, ErrUnknownPackage
}

// CheckoutConfig holds the Stripe settings for hosted checkout.
type CheckoutConfig struct {
	APIKey     string
	SuccessURL string
	CancelURL  string
}

// Checkout creates hosted checkout sessions for hour packages.
type Checkout struct {
	cfg      CheckoutConfig
	catalog  *Catalog
	licenses LicenseLookup

	createCheckoutSession func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
}

// NewCheckout creates a checkout service. The Stripe client key is global to
// stripe-go, so it is set here.
func NewCheckout(cfg CheckoutConfig, catalog *Catalog, licenses LicenseLookup) *Checkout {
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		stripelib.Key = key
	}
	return &Checkout{
		cfg:                   cfg,
		catalog:               catalog,
		licenses:              licenses,
		createCheckoutSession: stripesession.New,
	}
}

// Create starts a checkout for hours on licenseKey and returns the hosted
// payment page URL.
func (c *Checkout) Create(ctx context.Context, licenseKey string, hours decimal.Decimal) (string, error) {
	if c == nil || strings.TrimSpace(c.cfg.APIKey) == "" {
		return "", ErrCheckoutUnavailable
	}
	pkg, err := c.catalog.Lookup(hours)
	if err != nil {
		return "", err
	}
	lic, err := c.licenses.Get(ctx, licenseKey)
	if err != nil {
		return "", err
	}
	if !lic.Active() {
		return "", license.ErrRevoked
	}

	params := &stripelib.CheckoutSessionParams{
		Mode:              stripelib.String(string(stripelib.CheckoutSessionModePayment)),
		SuccessURL:        stripelib.String(c.cfg.SuccessURL),
		CancelURL:         stripelib.String(c.cfg.CancelURL),
		ClientReferenceID: stripelib.String(lic.Key),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				PriceData: &stripelib.CheckoutSessionLineItemPriceDataParams{
					Currency: stripelib.String(pkg.Currency),
					ProductData: &stripelib.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripelib.String(fmt.Sprintf("%s hours", pkg.Hours.String())),
					},
					UnitAmount: stripelib.Int64(pkg.Amount),
				},
				Quantity: stripelib.Int64(1),
			},
		},
		Metadata: map[string]string{
			"license_key": lic.Key,
			"hours":       pkg.Hours.String(),
		},
	}
	if lic.Email != "" {
		params.CustomerEmail = stripelib.String(lic.Email)
	}

	sess, err := c.createCheckoutSession(params)
	if err != nil || sess == nil || strings.TrimSpace(sess.URL) == "" {
		log.Error().Err(err).
			Str("license_key", lic.Key).
			Str("hours", pkg.Hours.String()).
			Msg("Checkout session creation failed")
		if err == nil {
			err = fmt.Errorf("stripe returned no checkout url")
		}
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	log.Info().
		Str("license_key", lic.Key).
		Str("session_id", sess.ID).
		Str("hours", pkg.Hours.String()).
		Msg("Checkout session created")
	return sess.URL, nil
}
