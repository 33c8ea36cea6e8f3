// Package testutil provides fixtures shared by package tests.
package testutil

import (
	"time"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

const (
	IssuerAddress    = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	RegistrarAddress = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
	SettlerAddress   = "0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0"
)

// BondTerms returns valid bond terms: nominal 1,000,000 with a denomination
// of 100, i.e. an initial supply of 10,000.
func BondTerms() domain.InstrumentTerms {
	start := time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC)
	return domain.InstrumentTerms{
		Symbol:                   "BOND-2031",
		ISINCode:                 "FR0000000001",
		Currency:                 "EUR",
		NominalAmount:            1_000_000,
		Denomination:             100,
		Decimals:                 2,
		StartDate:                start,
		MaturityDate:             start.AddDate(5, 0, 0),
		FirstCouponDate:          start.AddDate(0, 6, 0),
		CouponFrequencyInMonths:  6,
		CouponRateInBips:         325,
		IsCallable:               true,
		IsSoftBullet:             true,
		SoftBulletPeriodInMonths: 12,
		IssuerAddress:            IssuerAddress,
		RegistrarAgentAddress:    RegistrarAddress,
		SettlerAgentAddress:      SettlerAddress,
	}
}
