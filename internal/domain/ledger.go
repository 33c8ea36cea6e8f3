package domain

import "context"

// LedgerReceipt is returned by the ledger after an instrument is created.
type LedgerReceipt struct {
	TransactionHash   string `json:"transaction_hash"`
	InstrumentAddress string `json:"instrument_address"`
}

// LedgerClient is the distributed-ledger collaborator that lists instruments
// and serves their on-chain details.
type LedgerClient interface {
	CreateInstrument(ctx context.Context, kind InstrumentType, terms InstrumentTerms) (LedgerReceipt, error)
	GetInstrumentDetails(ctx context.Context, address string) (InstrumentDetails, error)
}
