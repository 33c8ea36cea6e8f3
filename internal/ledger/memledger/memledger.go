// Package memledger is an in-process ledger client. It derives contract
// addresses and transaction hashes the way an EVM chain does, so it can stand
// in for the registry contract in development and tests.
package memledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

// DefaultDeployer is the account that "deploys" instruments when none is
// configured.
const DefaultDeployer = "0x00000000000000000000000000000000000b0d1e"

// Ledger implements domain.LedgerClient in memory.
type Ledger struct {
	mu       sync.Mutex
	deployer common.Address
	nonce    uint64
	listed   map[common.Address]domain.InstrumentTerms
	failNext error
}

// New creates a Ledger deploying from the given hex address. An empty
// deployer uses DefaultDeployer.
func New(deployer string) (*Ledger, error) {
	if deployer == "" {
		deployer = DefaultDeployer
	}
	if !common.IsHexAddress(deployer) {
		return nil, fmt.Errorf("memledger: invalid deployer address %q", deployer)
	}
	return &Ledger{
		deployer: common.HexToAddress(deployer),
		listed:   make(map[common.Address]domain.InstrumentTerms),
	}, nil
}

// FailNext makes the next call return err. It is used to simulate ledger
// outages.
func (l *Ledger) FailNext(err error) {
	l.mu.Lock()
	l.failNext = err
	l.mu.Unlock()
}

func (l *Ledger) injected() error {
	err := l.failNext
	l.failNext = nil
	return err
}

// CreateInstrument lists terms at a fresh contract address.
func (l *Ledger) CreateInstrument(ctx context.Context, kind domain.InstrumentType, terms domain.InstrumentTerms) (domain.LedgerReceipt, error) {
	if err := ctx.Err(); err != nil {
		return domain.LedgerReceipt{}, fmt.Errorf("memledger: create instrument: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected(); err != nil {
		return domain.LedgerReceipt{}, fmt.Errorf("memledger: create instrument: %w", err)
	}

	nonce := l.nonce
	l.nonce++
	addr := crypto.CreateAddress(l.deployer, nonce)

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	hash := crypto.Keccak256Hash(l.deployer.Bytes(), n[:], []byte(kind), []byte(terms.ISINCode))

	l.listed[addr] = terms
	return domain.LedgerReceipt{
		TransactionHash:   hash.Hex(),
		InstrumentAddress: addr.Hex(),
	}, nil
}

// GetInstrumentDetails returns the details of a listed instrument. Addresses
// come back lower-cased, as many nodes report them.
func (l *Ledger) GetInstrumentDetails(ctx context.Context, address string) (domain.InstrumentDetails, error) {
	if err := ctx.Err(); err != nil {
		return domain.InstrumentDetails{}, fmt.Errorf("memledger: details: %w", err)
	}
	if !common.IsHexAddress(address) {
		return domain.InstrumentDetails{}, fmt.Errorf("memledger: details %s: %w", address, domain.ErrUnknownEntity)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected(); err != nil {
		return domain.InstrumentDetails{}, fmt.Errorf("memledger: details: %w", err)
	}
	terms, ok := l.listed[common.HexToAddress(address)]
	if !ok {
		return domain.InstrumentDetails{}, fmt.Errorf("memledger: details %s: %w", address, domain.ErrUnknownEntity)
	}

	d := domain.DetailsFromTerms(terms)
	d.Issuer = strings.ToLower(d.Issuer)
	d.RegistrarAgentAddress = strings.ToLower(d.RegistrarAgentAddress)
	d.SettlerAgentAddress = strings.ToLower(d.SettlerAgentAddress)
	return d, nil
}

var _ domain.LedgerClient = (*Ledger)(nil)
