// Package ethledger lists instruments through the on-chain registry contract
// and reads their details back over JSON-RPC.
package ethledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

const (
	defaultReceiptPoll    = 2 * time.Second
	defaultReceiptTimeout = 3 * time.Minute
	gasHeadroomPercent    = 20
)

// Backend is the subset of ethclient.Client the registry client uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config configures the registry client.
type Config struct {
	RPCURL         string
	Registry       string
	ChainID        int64 // 0 asks the node
	ReceiptPoll    time.Duration
	ReceiptTimeout time.Duration
}

// Client implements domain.LedgerClient against the registry contract.
type Client struct {
	backend  Backend
	abi      abi.ABI
	registry common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	poll     time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// Dial connects to cfg.RPCURL and returns a Client signing with key.
func Dial(ctx context.Context, cfg Config, key *ecdsa.PrivateKey, logger *slog.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("ethledger: dial %s: %w", cfg.RPCURL, err)
	}
	c, err := NewWithBackend(ctx, ec, cfg, key, logger)
	if err != nil {
		ec.Close()
		return nil, err
	}
	return c, nil
}

// NewWithBackend builds a Client over an existing backend.
func NewWithBackend(ctx context.Context, backend Backend, cfg Config, key *ecdsa.PrivateKey, logger *slog.Logger) (*Client, error) {
	if !common.IsHexAddress(cfg.Registry) {
		return nil, fmt.Errorf("ethledger: invalid registry address %q", cfg.Registry)
	}
	if key == nil {
		return nil, errors.New("ethledger: signing key is required")
	}
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("ethledger: parse registry abi: %w", err)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("ethledger: chain id: %w", err)
		}
	}

	c := &Client{
		backend:  backend,
		abi:      parsed,
		registry: common.HexToAddress(cfg.Registry),
		key:      key,
		from:     ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		poll:     cfg.ReceiptPoll,
		timeout:  cfg.ReceiptTimeout,
		logger:   logger.With(slog.String("component", "ethledger")),
	}
	if c.poll <= 0 {
		c.poll = defaultReceiptPoll
	}
	if c.timeout <= 0 {
		c.timeout = defaultReceiptTimeout
	}
	return c, nil
}

// Close releases the RPC connection when the backend holds one.
func (c *Client) Close() {
	if closer, ok := c.backend.(interface{ Close() }); ok {
		closer.Close()
	}
}

// From returns the signing account.
func (c *Client) From() common.Address { return c.from }

// CreateInstrument sends createBond, waits for the receipt and returns the
// address carried by the InstrumentListed log.
func (c *Client) CreateInstrument(ctx context.Context, kind domain.InstrumentType, terms domain.InstrumentTerms) (domain.LedgerReceipt, error) {
	if kind != domain.InstrumentTypeBond {
		return domain.LedgerReceipt{}, fmt.Errorf("ethledger: instrument type %q: %w", kind, domain.ErrInvalidTerms)
	}
	data, err := c.packCreate(terms)
	if err != nil {
		return domain.LedgerReceipt{}, err
	}

	tx, err := c.send(ctx, data)
	if err != nil {
		return domain.LedgerReceipt{}, err
	}
	c.logger.InfoContext(ctx, "createBond sent",
		slog.String("tx", tx.Hash().Hex()),
		slog.String("isin", terms.ISINCode),
	)

	receipt, err := c.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return domain.LedgerReceipt{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return domain.LedgerReceipt{}, fmt.Errorf("ethledger: createBond %s reverted", tx.Hash().Hex())
	}

	addr, err := c.listedAddress(receipt)
	if err != nil {
		return domain.LedgerReceipt{}, err
	}
	return domain.LedgerReceipt{
		TransactionHash:   tx.Hash().Hex(),
		InstrumentAddress: addr.Hex(),
	}, nil
}

func (c *Client) packCreate(t domain.InstrumentTerms) ([]byte, error) {
	for _, a := range []string{t.IssuerAddress, t.RegistrarAgentAddress, t.SettlerAgentAddress} {
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("ethledger: address %q: %w", a, domain.ErrInvalidTerms)
		}
	}
	data, err := c.abi.Pack("createBond",
		t.ISINCode,
		t.Symbol,
		t.Currency,
		big.NewInt(t.NominalAmount),
		big.NewInt(t.Denomination),
		uint8(t.Decimals),
		big.NewInt(domain.EpochSeconds(t.StartDate)),
		big.NewInt(domain.EpochSeconds(t.MaturityDate)),
		big.NewInt(domain.EpochSeconds(t.FirstCouponDate)),
		big.NewInt(int64(t.CouponFrequencyInMonths)),
		big.NewInt(int64(t.CouponRateInBips)),
		t.IsCallable,
		t.IsSoftBullet,
		big.NewInt(int64(t.SoftBulletPeriodInMonths)),
		common.HexToAddress(t.IssuerAddress),
		common.HexToAddress(t.RegistrarAgentAddress),
		common.HexToAddress(t.SettlerAgentAddress),
	)
	if err != nil {
		return nil, fmt.Errorf("ethledger: pack createBond: %w", err)
	}
	return data, nil
}

func (c *Client) send(ctx context.Context, data []byte) (*types.Transaction, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("ethledger: nonce: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("ethledger: gas tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ethledger: head: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:      c.from,
		To:        &c.registry,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("ethledger: estimate gas: %w", err)
	}
	gas += gas * gasHeadroomPercent / 100

	tx, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &c.registry,
		Data:      data,
	}), types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("ethledger: sign: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("ethledger: send %s: %w", tx.Hash().Hex(), err)
	}
	return tx, nil
}

func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			return receipt, nil
		case !errors.Is(err, ethereum.NotFound):
			return nil, fmt.Errorf("ethledger: receipt %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("ethledger: receipt %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) listedAddress(receipt *types.Receipt) (common.Address, error) {
	id := c.abi.Events["InstrumentListed"].ID
	for _, lg := range receipt.Logs {
		if lg.Address != c.registry || len(lg.Topics) < 2 || lg.Topics[0] != id {
			continue
		}
		return common.BytesToAddress(lg.Topics[1].Bytes()), nil
	}
	return common.Address{}, fmt.Errorf("ethledger: no InstrumentListed log in %s", receipt.TxHash.Hex())
}

// instrumentDetails mirrors the getInstrumentDetails outputs.
type instrumentDetails struct {
	Issuer                   common.Address
	RegistrarAgentAddress    common.Address
	SettlerAgentAddress      common.Address
	InitialSupply            *big.Int
	IsinCode                 string
	Name                     string
	Symbol                   string
	Denomination             *big.Int
	Divisor                  *big.Int
	StartDate                *big.Int
	MaturityDate             *big.Int
	FirstCouponDate          *big.Int
	CouponFrequencyInMonths  *big.Int
	InterestRateInBips       *big.Int
	Callable                 bool
	IsSoftBullet             bool
	SoftBulletPeriodInMonths *big.Int
}

// GetInstrumentDetails calls getInstrumentDetails on the registry. A zero
// issuer means the registry does not know the address.
func (c *Client) GetInstrumentDetails(ctx context.Context, address string) (domain.InstrumentDetails, error) {
	if !common.IsHexAddress(address) {
		return domain.InstrumentDetails{}, fmt.Errorf("ethledger: details %s: %w", address, domain.ErrUnknownEntity)
	}
	data, err := c.abi.Pack("getInstrumentDetails", common.HexToAddress(address))
	if err != nil {
		return domain.InstrumentDetails{}, fmt.Errorf("ethledger: pack getInstrumentDetails: %w", err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &c.registry, Data: data}, nil)
	if err != nil {
		return domain.InstrumentDetails{}, fmt.Errorf("ethledger: call getInstrumentDetails: %w", err)
	}

	var raw instrumentDetails
	if err := c.abi.UnpackIntoInterface(&raw, "getInstrumentDetails", out); err != nil {
		return domain.InstrumentDetails{}, fmt.Errorf("ethledger: unpack getInstrumentDetails: %w", err)
	}
	if raw.Issuer == (common.Address{}) {
		return domain.InstrumentDetails{}, fmt.Errorf("ethledger: details %s: %w", address, domain.ErrUnknownEntity)
	}

	return domain.InstrumentDetails{
		Issuer:                   raw.Issuer.Hex(),
		RegistrarAgentAddress:    raw.RegistrarAgentAddress.Hex(),
		SettlerAgentAddress:      raw.SettlerAgentAddress.Hex(),
		InitialSupply:            raw.InitialSupply.Int64(),
		IsinCode:                 raw.IsinCode,
		Name:                     raw.Name,
		Symbol:                   raw.Symbol,
		Denomination:             raw.Denomination.Int64(),
		Divisor:                  raw.Divisor.Int64(),
		StartDate:                raw.StartDate.Int64(),
		MaturityDate:             raw.MaturityDate.Int64(),
		FirstCouponDate:          raw.FirstCouponDate.Int64(),
		CouponFrequencyInMonths:  int(raw.CouponFrequencyInMonths.Int64()),
		InterestRateInBips:       int(raw.InterestRateInBips.Int64()),
		Callable:                 raw.Callable,
		IsSoftBullet:             raw.IsSoftBullet,
		SoftBulletPeriodInMonths: int(raw.SoftBulletPeriodInMonths.Int64()),
	}, nil
}

var _ domain.LedgerClient = (*Client)(nil)
