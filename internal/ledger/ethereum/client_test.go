package ethledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bondoracle/internal/domain"
	"github.com/alanyoungcy/bondoracle/internal/testutil"
)

const registryAddr = "0xCf7Ed3AccA5a467e9e704C703E8D87F634fB0Fc9"

var listedAddr = common.HexToAddress("0xDc64a140Aa3E981100a9becA4E685f962f0cF6C9")

type fakeBackend struct {
	mu          sync.Mutex
	sent        []*types.Transaction
	pendingPoll int
	status      uint64
	details     []byte
	callErr     error
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(31337), nil }

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(7)}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingPoll > 0 {
		f.pendingPoll--
		return nil, ethereum.NotFound
	}
	return &types.Receipt{
		Status: f.status,
		TxHash: hash,
		Logs: []*types.Log{
			{Address: common.HexToAddress("0x0000000000000000000000000000000000000001")},
			{
				Address: common.HexToAddress(registryAddr),
				Topics:  []common.Hash{listedEventID(), common.BytesToHash(listedAddr.Bytes())},
			},
		},
	}, nil
}

func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return f.details, f.callErr
}

func listedEventID() common.Hash {
	return ethcrypto.Keccak256Hash([]byte("InstrumentListed(address,string)"))
}

func newClient(t *testing.T, backend *fakeBackend) (*Client, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	c, err := NewWithBackend(context.Background(), backend, Config{
		Registry:    registryAddr,
		ReceiptPoll: time.Millisecond,
	}, key, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return c, key
}

func TestCreateInstrument(t *testing.T) {
	backend := &fakeBackend{pendingPoll: 2, status: types.ReceiptStatusSuccessful}
	c, key := newClient(t, backend)
	terms := testutil.BondTerms()

	receipt, err := c.CreateInstrument(context.Background(), domain.InstrumentTypeBond, terms)
	require.NoError(t, err)
	assert.Equal(t, listedAddr.Hex(), receipt.InstrumentAddress)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, tx.Hash().Hex(), receipt.TransactionHash)
	assert.Equal(t, uint64(120_000), tx.Gas())
	assert.Equal(t, common.HexToAddress(registryAddr), *tx.To())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), tx)
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.PubkeyToAddress(key.PublicKey), sender)

	method := c.abi.Methods["createBond"]
	assert.Equal(t, method.ID, tx.Data()[:4])
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, terms.ISINCode, args[0])
	assert.Equal(t, big.NewInt(terms.NominalAmount), args[3])
	assert.Equal(t, uint8(terms.Decimals), args[5])
	assert.Equal(t, big.NewInt(terms.MaturityDate.Unix()), args[7])
	assert.Equal(t, common.HexToAddress(terms.SettlerAgentAddress), args[16])
}

func TestCreateInstrumentReverted(t *testing.T) {
	c, _ := newClient(t, &fakeBackend{status: types.ReceiptStatusFailed})
	_, err := c.CreateInstrument(context.Background(), domain.InstrumentTypeBond, testutil.BondTerms())
	assert.ErrorContains(t, err, "reverted")
}

func TestCreateInstrumentRejectsBadAddress(t *testing.T) {
	c, _ := newClient(t, &fakeBackend{status: types.ReceiptStatusSuccessful})
	terms := testutil.BondTerms()
	terms.IssuerAddress = "issuer"
	_, err := c.CreateInstrument(context.Background(), domain.InstrumentTypeBond, terms)
	assert.ErrorIs(t, err, domain.ErrInvalidTerms)
}

func TestCreateInstrumentReceiptDeadline(t *testing.T) {
	backend := &fakeBackend{pendingPoll: 1 << 30}
	c, _ := newClient(t, backend)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.CreateInstrument(ctx, domain.InstrumentTypeBond, testutil.BondTerms())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestGetInstrumentDetails(t *testing.T) {
	backend := &fakeBackend{}
	c, _ := newClient(t, backend)
	terms := testutil.BondTerms()
	want := domain.DetailsFromTerms(terms)

	out, err := c.abi.Methods["getInstrumentDetails"].Outputs.Pack(
		common.HexToAddress(want.Issuer),
		common.HexToAddress(want.RegistrarAgentAddress),
		common.HexToAddress(want.SettlerAgentAddress),
		big.NewInt(want.InitialSupply),
		want.IsinCode,
		want.Name,
		want.Symbol,
		big.NewInt(want.Denomination),
		big.NewInt(want.Divisor),
		big.NewInt(want.StartDate),
		big.NewInt(want.MaturityDate),
		big.NewInt(want.FirstCouponDate),
		big.NewInt(int64(want.CouponFrequencyInMonths)),
		big.NewInt(int64(want.InterestRateInBips)),
		want.Callable,
		want.IsSoftBullet,
		big.NewInt(int64(want.SoftBulletPeriodInMonths)),
	)
	require.NoError(t, err)
	backend.details = out

	got, err := c.GetInstrumentDetails(context.Background(), listedAddr.Hex())
	require.NoError(t, err)
	assert.NoError(t, domain.VerifyDetails(terms, got))
}

func TestGetInstrumentDetailsUnknown(t *testing.T) {
	backend := &fakeBackend{}
	c, _ := newClient(t, backend)

	_, err := c.GetInstrumentDetails(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrUnknownEntity)

	zero := make([]any, 0, 17)
	zero = append(zero, common.Address{}, common.Address{}, common.Address{}, new(big.Int), "", "", "")
	for range 7 {
		zero = append(zero, new(big.Int))
	}
	zero = append(zero, false, false, new(big.Int))
	out, err := c.abi.Methods["getInstrumentDetails"].Outputs.Pack(zero...)
	require.NoError(t, err)
	backend.details = out

	_, err = c.GetInstrumentDetails(context.Background(), listedAddr.Hex())
	assert.ErrorIs(t, err, domain.ErrUnknownEntity)
}

func TestNewWithBackendValidates(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	logger := slog.New(slog.DiscardHandler)

	_, err = NewWithBackend(context.Background(), &fakeBackend{}, Config{Registry: "bad"}, key, logger)
	assert.Error(t, err)
	_, err = NewWithBackend(context.Background(), &fakeBackend{}, Config{Registry: registryAddr}, nil, logger)
	assert.Error(t, err)

	c, err := NewWithBackend(context.Background(), &fakeBackend{}, Config{Registry: registryAddr}, key, logger)
	require.NoError(t, err)
	assert.Equal(t, int64(31337), c.chainID.Int64())
	assert.Equal(t, defaultReceiptPoll, c.poll)
}
