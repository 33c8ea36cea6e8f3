package domain

// Position is a holder's quantity of an instrument.
type Position struct {
	InstrumentID string `json:"instrument_id"`
	Holder       string `json:"holder"`
	Quantity     int64  `json:"quantity"`
}

// SupplySnapshot is the supply breakdown of one instrument. Circulating +
// Unissued + Retired always equals Initial.
type SupplySnapshot struct {
	InstrumentID string `json:"instrument_id"`
	Initial      int64  `json:"initial"`
	Unissued     int64  `json:"unissued"`
	Circulating  int64  `json:"circulating"`
	Retired      int64  `json:"retired"`
}
