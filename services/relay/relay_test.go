package relay

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/confidential_sequencer/services/relay/journal"
	"github.com/R3E-Network/confidential_sequencer/tee/intent"
	"github.com/R3E-Network/confidential_sequencer/tee/keys"
	"github.com/R3E-Network/confidential_sequencer/tee/signer"
)

func signedBatch(t *testing.T, n int) (*signer.Authorization, common.Address) {
	t.Helper()
	id, err := keys.NewIdentity(nil)
	require.NoError(t, err)
	s, err := signer.New(id)
	require.NoError(t, err)

	intents := make([]*intent.SwapIntent, n)
	for i := range intents {
		intents[i] = &intent.SwapIntent{
			User:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
			TokenIn:  common.HexToAddress("0x2222222222222222222222222222222222222222"),
			TokenOut: common.HexToAddress("0x3333333333333333333333333333333333333333"),
			AmountIn: big.NewInt(5000),
			MinOut:   big.NewInt(4900),
			Nonce:    uint64(i + 1),
			Deadline: 1700000300,
		}
	}
	auth, err := s.Sign(intents)
	require.NoError(t, err)
	return auth, id.Address()
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls [][]byte
	err   error
}

func (f *fakeSubmitter) Submit(_ context.Context, data []byte) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, data)
	if f.err != nil {
		return common.Hash{}, f.err
	}
	return common.HexToHash("0xfeed"), nil
}

func newRecorder(t *testing.T) (*journal.Recorder, *journal.MemoryStore) {
	t.Helper()
	store := journal.NewMemoryStore(16, time.Hour)
	rec := journal.NewRecorder(store, 16, time.Second, nil)
	rec.Start()
	t.Cleanup(func() { _ = rec.Stop(context.Background()) })
	return rec, store
}

func waitStatus(t *testing.T, store *journal.MemoryStore, hash string, want journal.Status) journal.Entry {
	t.Helper()
	var got journal.Entry
	require.Eventually(t, func() bool {
		e, err := store.Get(context.Background(), hash)
		if err != nil {
			return false
		}
		got = e
		return e.Status == want
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func TestPipeline_JournalOnlyWithoutSubmitter(t *testing.T) {
	rec, store := newRecorder(t)
	p := New(Config{Recorder: rec})

	auth, addr := signedBatch(t, 3)
	p.HandleBatch(context.Background(), auth.CallData)

	e := waitStatus(t, store, auth.Hash.Hex(), journal.StatusReceived)
	assert.Equal(t, 3, e.IntentCount)
	assert.Equal(t, addr.Hex(), e.Signer)
	assert.Equal(t, 0, p.Pending())
}

func TestPipeline_SubmitsAndRecordsTxHash(t *testing.T) {
	rec, store := newRecorder(t)
	sub := &fakeSubmitter{}
	p := New(Config{Submitter: sub, Recorder: rec})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	auth, _ := signedBatch(t, 2)
	p.HandleBatch(ctx, auth.CallData)

	e := waitStatus(t, store, auth.Hash.Hex(), journal.StatusSubmitted)
	assert.Equal(t, common.HexToHash("0xfeed").Hex(), e.TxHash)

	sub.mu.Lock()
	require.Len(t, sub.calls, 1)
	assert.Equal(t, auth.CallData, sub.calls[0])
	sub.mu.Unlock()
}

func TestPipeline_RecordsSubmissionFailure(t *testing.T) {
	rec, store := newRecorder(t)
	p := New(Config{Submitter: &fakeSubmitter{err: errors.New("nonce too low")}, Recorder: rec})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	auth, _ := signedBatch(t, 1)
	p.HandleBatch(ctx, auth.CallData)

	e := waitStatus(t, store, auth.Hash.Hex(), journal.StatusFailed)
	assert.Contains(t, e.Error, "nonce too low")
}

func TestPipeline_QueueFull(t *testing.T) {
	rec, store := newRecorder(t)
	p := New(Config{Submitter: &fakeSubmitter{}, Recorder: rec, QueueSize: 1})

	first, _ := signedBatch(t, 1)
	second, _ := signedBatch(t, 2)
	p.HandleBatch(context.Background(), first.CallData)
	p.HandleBatch(context.Background(), second.CallData)

	assert.Equal(t, 1, p.Pending())
	e := waitStatus(t, store, second.Hash.Hex(), journal.StatusFailed)
	assert.Equal(t, "submission queue full", e.Error)
}

func TestPipeline_IgnoresGarbage(t *testing.T) {
	rec, store := newRecorder(t)
	p := New(Config{Submitter: &fakeSubmitter{}, Recorder: rec})

	p.HandleBatch(context.Background(), []byte{0x01, 0x02})
	assert.Equal(t, 0, p.Pending())
	assert.Equal(t, 0, store.Len())
}
