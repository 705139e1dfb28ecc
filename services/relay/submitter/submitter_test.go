package submitter

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	mu         sync.Mutex
	estimate   uint64
	estimateEr error
	sendErrs   []error
	sent       []*types.Transaction
	nonce      uint64
}

func (f *fakeChain) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	return f.estimate, f.estimateEr
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, tx)
	return nil
}

var settlement = common.HexToAddress("0x4444444444444444444444444444444444444444")

func newSubmitter(t *testing.T, chain *fakeChain, retries int) *Submitter {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := New(Config{
		Client:           chain,
		ChainID:          big.NewInt(84532),
		Settlement:       settlement,
		Key:              key,
		FallbackGasLimit: 3_000_000,
		Retry: RetryConfig{
			MaxRetries:     retries,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	return s
}

func TestSubmit_SignsLegacyTx(t *testing.T) {
	chain := &fakeChain{estimate: 210_000, nonce: 7}
	s := newSubmitter(t, chain, 0)

	data := []byte{0xde, 0xad}
	hash, err := s.Submit(context.Background(), data)
	require.NoError(t, err)

	require.Len(t, chain.sent, 1)
	tx := chain.sent[0]
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, uint64(210_000), tx.Gas())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, settlement, *tx.To())
	assert.Equal(t, data, tx.Data())
	assert.Equal(t, uint8(types.LegacyTxType), tx.Type())

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(84532)), tx)
	require.NoError(t, err)
	assert.Equal(t, s.From(), from)
}

func TestSubmit_FallbackGasLimit(t *testing.T) {
	chain := &fakeChain{estimateEr: errors.New("execution reverted")}
	s := newSubmitter(t, chain, 0)

	_, err := s.Submit(context.Background(), []byte{1})
	require.NoError(t, err)
	assert.Equal(t, uint64(3_000_000), chain.sent[0].Gas())
}

func TestSubmit_RetriesTransientFailures(t *testing.T) {
	chain := &fakeChain{estimate: 100_000, sendErrs: []error{errors.New("timeout"), errors.New("timeout")}}
	s := newSubmitter(t, chain, 3)

	_, err := s.Submit(context.Background(), []byte{1})
	require.NoError(t, err)
	assert.Len(t, chain.sent, 1)
}

func TestSubmit_GivesUp(t *testing.T) {
	boom := errors.New("rpc down")
	chain := &fakeChain{estimate: 100_000, sendErrs: []error{boom, boom, boom}}
	s := newSubmitter(t, chain, 2)

	_, err := s.Submit(context.Background(), []byte{1})
	assert.ErrorIs(t, err, ErrMaxRetriesReached)
	assert.Empty(t, chain.sent)
}

func TestSubmit_EmptyCallData(t *testing.T) {
	s := newSubmitter(t, &fakeChain{}, 0)
	_, err := s.Submit(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyCallData)
}

func TestSubmit_ContextCancelledDuringBackoff(t *testing.T) {
	chain := &fakeChain{estimate: 1, sendErrs: []error{errors.New("x"), errors.New("x"), errors.New("x")}}
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := New(Config{
		Client:     chain,
		ChainID:    big.NewInt(1),
		Settlement: settlement,
		Key:        key,
		Retry:      RetryConfig{MaxRetries: 2, InitialBackoff: time.Hour},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Submit(ctx, []byte{1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew_Validation(t *testing.T) {
	key, _ := crypto.GenerateKey()
	_, err := New(Config{ChainID: big.NewInt(1), Key: key, Settlement: settlement})
	assert.Error(t, err)
	_, err = New(Config{Client: &fakeChain{}, Key: key, Settlement: settlement})
	assert.Error(t, err)
	_, err = New(Config{Client: &fakeChain{}, ChainID: big.NewInt(1), Settlement: settlement})
	assert.Error(t, err)
	_, err = New(Config{Client: &fakeChain{}, ChainID: big.NewInt(1), Key: key})
	assert.Error(t, err)
}
