package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// InstrumentType identifies the kind of security tracked by the oracle.
type InstrumentType string

const (
	InstrumentTypeBond InstrumentType = "bond"
)

// InstrumentState is the lifecycle state of an instrument. States only move
// forward: created -> subscribable -> tradable -> redeemed.
type InstrumentState string

const (
	InstrumentCreated      InstrumentState = "created"
	InstrumentSubscribable InstrumentState = "subscribable"
	InstrumentTradable     InstrumentState = "tradable"
	InstrumentRedeemed     InstrumentState = "redeemed"
)

var instrumentStateRank = map[InstrumentState]int{
	InstrumentCreated:      0,
	InstrumentSubscribable: 1,
	InstrumentTradable:     2,
	InstrumentRedeemed:     3,
}

// Rank returns the position of s in the lifecycle, or -1 for unknown states.
func (s InstrumentState) Rank() int {
	if r, ok := instrumentStateRank[s]; ok {
		return r
	}
	return -1
}

// Terminal reports whether no further economic operation is allowed.
func (s InstrumentState) Terminal() bool {
	return s == InstrumentRedeemed
}

// InstrumentTerms are the economic terms supplied at issuance. They are
// immutable once the instrument is listed.
type InstrumentTerms struct {
	Symbol                   string    `json:"symbol"`
	ISINCode                 string    `json:"isin_code"`
	Currency                 string    `json:"currency"`
	NominalAmount            int64     `json:"nominal_amount"`
	Denomination             int64     `json:"denomination"`
	Decimals                 int       `json:"decimals"`
	StartDate                time.Time `json:"start_date"`
	MaturityDate             time.Time `json:"maturity_date"`
	FirstCouponDate          time.Time `json:"first_coupon_date"`
	CouponFrequencyInMonths  int       `json:"coupon_frequency_in_months"`
	CouponRateInBips         int       `json:"coupon_rate_in_bips"`
	IsCallable               bool      `json:"is_callable"`
	IsSoftBullet             bool      `json:"is_soft_bullet"`
	SoftBulletPeriodInMonths int       `json:"soft_bullet_period_in_months"`
	IssuerAddress            string    `json:"issuer_address"`
	RegistrarAgentAddress    string    `json:"registrar_agent_address"`
	SettlerAgentAddress      string    `json:"settler_agent_address"`
}

// InitialSupply is floor(NominalAmount / Denomination). A remainder is not an
// error. It returns 0 when the denomination is not positive.
func (t InstrumentTerms) InitialSupply() int64 {
	if t.Denomination <= 0 {
		return 0
	}
	return t.NominalAmount / t.Denomination
}

// Validate checks that all required fields are present and economically
// consistent. Every problem is reported in a single ErrInvalidTerms error.
func (t InstrumentTerms) Validate() error {
	var errs []string

	if strings.TrimSpace(t.Symbol) == "" {
		errs = append(errs, "symbol is required")
	}
	if strings.TrimSpace(t.ISINCode) == "" {
		errs = append(errs, "isin_code is required")
	}
	if t.NominalAmount <= 0 {
		errs = append(errs, "nominal_amount must be > 0")
	}
	if t.Denomination <= 0 {
		errs = append(errs, "denomination must be > 0")
	} else if t.NominalAmount > 0 && t.NominalAmount < t.Denomination {
		errs = append(errs, "nominal_amount must be >= denomination")
	}
	if t.Decimals < 0 || t.Decimals > 18 {
		errs = append(errs, fmt.Sprintf("decimals must be 0-18, got %d", t.Decimals))
	}
	if t.StartDate.IsZero() {
		errs = append(errs, "start_date is required")
	}
	if t.MaturityDate.IsZero() {
		errs = append(errs, "maturity_date is required")
	} else if !t.StartDate.IsZero() && !t.MaturityDate.After(t.StartDate) {
		errs = append(errs, "maturity_date must be after start_date")
	}
	if !t.FirstCouponDate.IsZero() && !t.StartDate.IsZero() && t.FirstCouponDate.Before(t.StartDate) {
		errs = append(errs, "first_coupon_date must not be before start_date")
	}
	if t.CouponFrequencyInMonths < 0 {
		errs = append(errs, "coupon_frequency_in_months must be >= 0")
	}
	if t.CouponRateInBips < 0 {
		errs = append(errs, "coupon_rate_in_bips must be >= 0")
	}
	if t.IsSoftBullet && t.SoftBulletPeriodInMonths <= 0 {
		errs = append(errs, "soft_bullet_period_in_months must be > 0 for a soft bullet")
	}
	if strings.TrimSpace(t.IssuerAddress) == "" {
		errs = append(errs, "issuer_address is required")
	}
	if strings.TrimSpace(t.RegistrarAgentAddress) == "" {
		errs = append(errs, "registrar_agent_address is required")
	}
	if strings.TrimSpace(t.SettlerAgentAddress) == "" {
		errs = append(errs, "settler_agent_address is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTerms, strings.Join(errs, "; "))
	}
	return nil
}

// Instrument is a listed security and its lifecycle state.
type Instrument struct {
	Address         string          `json:"address"`
	Type            InstrumentType  `json:"type"`
	Terms           InstrumentTerms `json:"terms"`
	State           InstrumentState `json:"state"`
	InitialSupply   int64           `json:"initial_supply"`
	TransactionHash string          `json:"transaction_hash"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// InstrumentDetails is the ledger's read-side view of a listed instrument.
// Dates are whole epoch seconds.
type InstrumentDetails struct {
	Issuer                   string `json:"issuer"`
	RegistrarAgentAddress    string `json:"registrar_agent_address"`
	SettlerAgentAddress      string `json:"settler_agent_address"`
	InitialSupply            int64  `json:"initial_supply"`
	IsinCode                 string `json:"isin_code"`
	Name                     string `json:"name"`
	Symbol                   string `json:"symbol"`
	Denomination             int64  `json:"denomination"`
	Divisor                  int64  `json:"divisor"`
	StartDate                int64  `json:"start_date"`
	MaturityDate             int64  `json:"maturity_date"`
	FirstCouponDate          int64  `json:"first_coupon_date"`
	CouponFrequencyInMonths  int    `json:"coupon_frequency_in_months"`
	InterestRateInBips       int    `json:"interest_rate_in_bips"`
	Callable                 bool   `json:"callable"`
	IsSoftBullet             bool   `json:"is_soft_bullet"`
	SoftBulletPeriodInMonths int    `json:"soft_bullet_period_in_months"`
}

// EpochSeconds normalizes t to a whole-second epoch value. The zero time maps
// to 0.
func EpochSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// Divisor returns 10^decimals.
func Divisor(decimals int) int64 {
	return int64(math.Pow10(decimals))
}

// DetailsFromTerms builds the details a ledger is expected to return for an
// instrument created with the given terms.
func DetailsFromTerms(t InstrumentTerms) InstrumentDetails {
	return InstrumentDetails{
		Issuer:                   t.IssuerAddress,
		RegistrarAgentAddress:    t.RegistrarAgentAddress,
		SettlerAgentAddress:      t.SettlerAgentAddress,
		InitialSupply:            t.InitialSupply(),
		IsinCode:                 t.ISINCode,
		Name:                     t.Symbol,
		Symbol:                   t.Symbol,
		Denomination:             t.Denomination,
		Divisor:                  Divisor(t.Decimals),
		StartDate:                EpochSeconds(t.StartDate),
		MaturityDate:             EpochSeconds(t.MaturityDate),
		FirstCouponDate:          EpochSeconds(t.FirstCouponDate),
		CouponFrequencyInMonths:  t.CouponFrequencyInMonths,
		InterestRateInBips:       t.CouponRateInBips,
		Callable:                 t.IsCallable,
		IsSoftBullet:             t.IsSoftBullet,
		SoftBulletPeriodInMonths: t.SoftBulletPeriodInMonths,
	}
}

// VerifyDetails compares ledger-reported details against the terms an
// instrument was created with. Addresses compare case-insensitively. It
// returns nil when every field matches, or an error naming each mismatch.
func VerifyDetails(t InstrumentTerms, d InstrumentDetails) error {
	want := DetailsFromTerms(t)
	var diffs []string

	addr := func(field, got, exp string) {
		if !strings.EqualFold(got, exp) {
			diffs = append(diffs, fmt.Sprintf("%s: got %q, want %q", field, got, exp))
		}
	}
	eq := func(field string, got, exp any) {
		if got != exp {
			diffs = append(diffs, fmt.Sprintf("%s: got %v, want %v", field, got, exp))
		}
	}

	addr("issuer", d.Issuer, want.Issuer)
	addr("registrar_agent_address", d.RegistrarAgentAddress, want.RegistrarAgentAddress)
	addr("settler_agent_address", d.SettlerAgentAddress, want.SettlerAgentAddress)
	eq("initial_supply", d.InitialSupply, want.InitialSupply)
	eq("isin_code", d.IsinCode, want.IsinCode)
	eq("name", d.Name, want.Name)
	eq("symbol", d.Symbol, want.Symbol)
	eq("denomination", d.Denomination, want.Denomination)
	eq("divisor", d.Divisor, want.Divisor)
	eq("start_date", d.StartDate, want.StartDate)
	eq("maturity_date", d.MaturityDate, want.MaturityDate)
	eq("first_coupon_date", d.FirstCouponDate, want.FirstCouponDate)
	eq("coupon_frequency_in_months", d.CouponFrequencyInMonths, want.CouponFrequencyInMonths)
	eq("interest_rate_in_bips", d.InterestRateInBips, want.InterestRateInBips)
	eq("callable", d.Callable, want.Callable)
	eq("is_soft_bullet", d.IsSoftBullet, want.IsSoftBullet)
	eq("soft_bullet_period_in_months", d.SoftBulletPeriodInMonths, want.SoftBulletPeriodInMonths)

	if len(diffs) > 0 {
		return fmt.Errorf("instrument details mismatch:\n  - %s", strings.Join(diffs, "\n  - "))
	}
	return nil
}
