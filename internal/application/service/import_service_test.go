package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"bitcoin-graph-importer/internal/domain/entity"
	domain_service "bitcoin-graph-importer/internal/domain/service"
	"bitcoin-graph-importer/internal/infrastructure/config"
	"bitcoin-graph-importer/internal/infrastructure/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLogger() *logger.Logger {
	return &logger.Logger{Logger: zap.NewNop()}
}

func testConfig(mode config.ImportMode) *config.ImporterConfig {
	return &config.ImporterConfig{
		StartHeight:         0,
		BatchSize:           100,
		Mode:                mode,
		PollInterval:        5 * time.Millisecond,
		CheckpointInterval:  10,
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     5 * time.Millisecond,
		OnFailure:           config.FailureHalt,
	}
}

// simpleBlock builds a block with one coinbase transaction paying one address
func simpleBlock(height int64) *entity.Block {
	return &entity.Block{
		Hash:   fmt.Sprintf("hash%d", height),
		Height: height,
		Time:   1231006505 + height*600,
		Size:   285,
		Transactions: []entity.Transaction{
			{
				TxID:   fmt.Sprintf("cb%d", height),
				Size:   204,
				Inputs: []entity.TxInput{{Coinbase: true}},
				Outputs: []entity.TxOutput{
					{Index: 0, Value: 50.0, Addresses: []string{fmt.Sprintf("addr%d", height)}},
				},
			},
		},
	}
}

// fakeSource serves canned blocks and scripted failures
type fakeSource struct {
	mu         sync.Mutex
	blocks     map[int64]*entity.Block
	heads      []int64
	headIdx    int
	fetchErrs  map[int64][]error
	fetchCalls map[int64]int
}

func newFakeSource(head int64, blocks ...*entity.Block) *fakeSource {
	s := &fakeSource{
		blocks:     make(map[int64]*entity.Block),
		heads:      []int64{head},
		fetchErrs:  make(map[int64][]error),
		fetchCalls: make(map[int64]int),
	}
	for _, b := range blocks {
		s.blocks[b.Height] = b
	}
	return s
}

func (s *fakeSource) CurrentHeight(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	head := s.heads[s.headIdx]
	if s.headIdx < len(s.heads)-1 {
		s.headIdx++
	}
	return head, nil
}

func (s *fakeSource) FetchBlock(_ context.Context, height int64) (*entity.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchCalls[height]++
	if errs := s.fetchErrs[height]; len(errs) > 0 {
		err := errs[0]
		s.fetchErrs[height] = errs[1:]
		return nil, err
	}
	block, ok := s.blocks[height]
	if !ok {
		return nil, fmt.Errorf("%w: height %d", entity.ErrNotFound, height)
	}
	return block, nil
}

func (s *fakeSource) calls(height int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchCalls[height]
}

// memoryGraph is an in-memory graph store with merge semantics, so
// duplicate upserts are observable as state, not as extra rows
type memoryGraph struct {
	mu          sync.Mutex
	blocks      map[string]entity.BlockUpsert
	txs         map[string]entity.TransactionUpsert
	contains    map[string]bool
	coinbases   map[string]bool
	addressSeen map[string]int64
	outputs     map[string]float64
	spends      map[string]bool
	applyCalls  int
	applyFailAt map[int64]int // height -> remaining injected failures, -1 = always
}

func newMemoryGraph() *memoryGraph {
	return &memoryGraph{
		blocks:      make(map[string]entity.BlockUpsert),
		txs:         make(map[string]entity.TransactionUpsert),
		contains:    make(map[string]bool),
		coinbases:   make(map[string]bool),
		addressSeen: make(map[string]int64),
		outputs:     make(map[string]float64),
		spends:      make(map[string]bool),
		applyFailAt: make(map[int64]int),
	}
}

func (g *memoryGraph) ApplyMutationSet(_ context.Context, set *entity.MutationSet) (*entity.WriteSummary, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.applyCalls++

	if remaining, ok := g.applyFailAt[set.Block.Height]; ok && remaining != 0 {
		if remaining > 0 {
			g.applyFailAt[set.Block.Height]--
		}
		return nil, fmt.Errorf("%w: injected failure at height %d", entity.ErrWriteFailure, set.Block.Height)
	}

	g.blocks[set.Block.Hash] = set.Block
	for _, t := range set.Transactions {
		g.txs[t.TxID] = t
	}
	for _, c := range set.Contains {
		g.contains[c.BlockHash+"|"+c.TxID] = true
	}
	for _, cb := range set.Coinbases {
		g.coinbases[cb.ID] = true
	}
	for _, a := range set.Addresses {
		// first_seen is set once and never overwritten
		if _, ok := g.addressSeen[a.Address]; !ok {
			g.addressSeen[a.Address] = a.FirstSeen
		}
	}
	for _, o := range set.Outputs {
		g.outputs[fmt.Sprintf("%s|%s|%d", o.TxID, o.Address, o.Vout)] = o.Value
	}

	summary := &entity.WriteSummary{}
	for _, s := range set.Spends {
		if _, ok := g.txs[s.PrevTxID]; !ok {
			summary.SpendEdgesSkipped++
			continue
		}
		g.spends[fmt.Sprintf("%s|%s|%d", s.PrevTxID, s.TxID, s.Vout)] = true
	}
	return summary, nil
}

func (g *memoryGraph) hasBlock(hash string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.blocks[hash]
	return ok
}

func (g *memoryGraph) snapshot() (blocks, txs, addresses, outputs, spends int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.blocks), len(g.txs), len(g.addressSeen), len(g.outputs), len(g.spends)
}

// fakeCheckpoints mirrors the file store contract in memory
type fakeCheckpoints struct {
	mu          sync.Mutex
	startHeight int64
	last        int64
	exists      bool
	saves       []int64
	failSaves   bool
}

func (c *fakeCheckpoints) Load(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.exists {
		return c.startHeight, nil
	}
	return c.last + 1, nil
}

func (c *fakeCheckpoints) Save(_ context.Context, height int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSaves {
		return fmt.Errorf("%w: injected save failure", entity.ErrCheckpointIO)
	}
	c.last = height
	c.exists = true
	c.saves = append(c.saves, height)
	return nil
}

func (c *fakeCheckpoints) lastSaved() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.exists
}

func (c *fakeCheckpoints) savedHeights() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.saves...)
}

func newLoop(cfg *config.ImporterConfig, source *fakeSource, graph *memoryGraph, cp *fakeCheckpoints) domain_service.ImportService {
	return NewImportApplicationService(cfg, source, graph, cp, nil, testLogger())
}

func requireStrictlyIncreasing(t *testing.T, heights []int64) {
	t.Helper()
	for i := 1; i < len(heights); i++ {
		require.Greater(t, heights[i], heights[i-1], "checkpoint saves must be strictly increasing: %v", heights)
	}
}

func TestRun_BackfillTerminatesAtHead(t *testing.T) {
	source := newFakeSource(4,
		simpleBlock(0), simpleBlock(1), simpleBlock(2), simpleBlock(3), simpleBlock(4))
	graph := newMemoryGraph()
	cp := &fakeCheckpoints{}

	err := newLoop(testConfig(config.ModeBackfill), source, graph, cp).Run(context.Background())

	require.NoError(t, err)
	blocks, txs, addresses, outputs, _ := graph.snapshot()
	assert.Equal(t, 5, blocks)
	assert.Equal(t, 5, txs)
	assert.Equal(t, 5, addresses)
	assert.Equal(t, 5, outputs)

	last, ok := cp.lastSaved()
	require.True(t, ok)
	assert.Equal(t, int64(4), last)
	requireStrictlyIncreasing(t, cp.savedHeights())
}

func TestRun_BackfillIgnoresBlocksAppendedMidRun(t *testing.T) {
	source := newFakeSource(2,
		simpleBlock(0), simpleBlock(1), simpleBlock(2), simpleBlock(3), simpleBlock(4))
	source.heads = []int64{2, 4}
	graph := newMemoryGraph()
	cp := &fakeCheckpoints{}

	err := newLoop(testConfig(config.ModeBackfill), source, graph, cp).Run(context.Background())

	require.NoError(t, err)
	assert.True(t, graph.hasBlock("hash2"))
	assert.False(t, graph.hasBlock("hash3"), "backfill stops at the head observed when it started")
}

func TestRun_CheckpointCadence(t *testing.T) {
	blocks := make([]*entity.Block, 0, 7)
	for h := int64(0); h < 7; h++ {
		blocks = append(blocks, simpleBlock(h))
	}
	source := newFakeSource(6, blocks...)
	graph := newMemoryGraph()
	cp := &fakeCheckpoints{}

	cfg := testConfig(config.ModeBackfill)
	cfg.CheckpointInterval = 2

	err := newLoop(cfg, source, graph, cp).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []int64{0, 2, 4, 6}, cp.savedHeights())
}

func TestRun_RetriesTransientFetchFailures(t *testing.T) {
	source := newFakeSource(2, simpleBlock(0), simpleBlock(1), simpleBlock(2))
	source.fetchErrs[1] = []error{
		fmt.Errorf("%w: connection refused", entity.ErrSourceUnavailable),
		fmt.Errorf("%w: connection refused", entity.ErrSourceUnavailable),
	}
	graph := newMemoryGraph()
	cp := &fakeCheckpoints{}

	err := newLoop(testConfig(config.ModeBackfill), source, graph, cp).Run(context.Background())

	require.NoError(t, err)
	assert.True(t, graph.hasBlock("hash1"))
	assert.Equal(t, 3, source.calls(1))
}

func TestRun_HaltAfterRetryExhaustion(t *testing.T) {
	source := newFakeSource(2, simpleBlock(0), simpleBlock(1), simpleBlock(2))
	graph := newMemoryGraph()
	graph.applyFailAt[1] = -1
	cp := &fakeCheckpoints{}

	cfg := testConfig(config.ModeBackfill)
	cfg.RetryMaxAttempts = 1

	err := newLoop(cfg, source, graph, cp).Run(context.Background())

	require.Error(t, err)
	require.ErrorIs(t, err, entity.ErrWriteFailure)

	// The checkpoint never advances past the failed block
	last, ok := cp.lastSaved()
	require.True(t, ok)
	assert.Equal(t, int64(0), last)
	assert.True(t, graph.hasBlock("hash0"))
	assert.False(t, graph.hasBlock("hash1"))
}

func TestRun_SkipPolicyContinuesPastFailedBlock(t *testing.T) {
	source := newFakeSource(2, simpleBlock(0), simpleBlock(2))
	source.fetchErrs[1] = []error{
		fmt.Errorf("%w: boom", entity.ErrSourceUnavailable),
		fmt.Errorf("%w: boom", entity.ErrSourceUnavailable),
	}
	// Height 1 keeps failing: no block provisioned either
	graph := newMemoryGraph()
	cp := &fakeCheckpoints{}

	cfg := testConfig(config.ModeBackfill)
	cfg.RetryMaxAttempts = 1
	cfg.OnFailure = config.FailureSkip

	err := newLoop(cfg, source, graph, cp).Run(context.Background())

	require.NoError(t, err)
	assert.True(t, graph.hasBlock("hash0"))
	assert.False(t, graph.hasBlock("hash1"))
	assert.True(t, graph.hasBlock("hash2"))

	last, _ := cp.lastSaved()
	assert.Equal(t, int64(2), last)
}

func TestRun_SkipFailureOnFinalBlockKeepsCheckpointBehind(t *testing.T) {
	source := newFakeSource(2, simpleBlock(0), simpleBlock(1))
	source.fetchErrs[2] = []error{
		fmt.Errorf("%w: boom", entity.ErrSourceUnavailable),
		fmt.Errorf("%w: boom", entity.ErrSourceUnavailable),
	}
	graph := newMemoryGraph()
	cp := &fakeCheckpoints{}

	cfg := testConfig(config.ModeBackfill)
	cfg.RetryMaxAttempts = 1
	cfg.OnFailure = config.FailureSkip

	err := newLoop(cfg, source, graph, cp).Run(context.Background())

	require.NoError(t, err)
	assert.False(t, graph.hasBlock("hash2"))

	// No later block succeeded, so the checkpoint must stay at the last
	// height whose data is actually in the graph.
	last, ok := cp.lastSaved()
	require.True(t, ok)
	assert.Equal(t, int64(1), last)
}

func TestRun_MalformedBlockNotRetried(t *testing.T) {
	source := newFakeSource(1, simpleBlock(0))
	source.fetchErrs[1] = []error{
		fmt.Errorf("%w: bad shape", entity.ErrSourceDataMalformed),
	}
	graph := newMemoryGraph()
	cp := &fakeCheckpoints{}

	cfg := testConfig(config.ModeBackfill)
	cfg.OnFailure = config.FailureSkip

	err := newLoop(cfg, source, graph, cp).Run(context.Background())

	require.NoError(t, err)
	// Permanent failures bypass the retry budget entirely
	assert.Equal(t, 1, source.calls(1))
}

func TestRun_ContinuousPollsForNewBlocks(t *testing.T) {
	source := newFakeSource(2,
		simpleBlock(0), simpleBlock(1), simpleBlock(2), simpleBlock(3), simpleBlock(4))
	source.heads = []int64{2, 2, 4}
	graph := newMemoryGraph()
	cp := &fakeCheckpoints{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- newLoop(testConfig(config.ModeContinuous), source, graph, cp).Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return graph.hasBlock("hash4")
	}, 2*time.Second, time.Millisecond, "importer should pick up blocks appended after catch-up")

	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)

	last, _ := cp.lastSaved()
	assert.Equal(t, int64(4), last)
}

func TestRun_CheckpointFailureIsFatal(t *testing.T) {
	source := newFakeSource(2, simpleBlock(0), simpleBlock(1), simpleBlock(2))
	graph := newMemoryGraph()
	cp := &fakeCheckpoints{failSaves: true}

	cfg := testConfig(config.ModeBackfill)
	cfg.OnFailure = config.FailureSkip

	err := newLoop(cfg, source, graph, cp).Run(context.Background())

	require.Error(t, err)
	require.ErrorIs(t, err, entity.ErrCheckpointIO)
}

func TestRun_SpendChainAndIdempotence(t *testing.T) {
	blockA := &entity.Block{
		Hash:   "hashA",
		Height: 0,
		Time:   1231006505,
		Transactions: []entity.Transaction{
			{
				TxID:   "T1",
				Inputs: []entity.TxInput{{Coinbase: true}},
				Outputs: []entity.TxOutput{
					{Index: 0, Value: 50.0, Addresses: []string{"addr1"}},
				},
			},
		},
	}
	blockB := &entity.Block{
		Hash:   "hashB",
		Height: 1,
		Time:   1231007505,
		Transactions: []entity.Transaction{
			{
				TxID:   "T2",
				Inputs: []entity.TxInput{{PrevTxID: "T1", PrevVout: 0}},
				Outputs: []entity.TxOutput{
					{Index: 0, Value: 49.9999, Addresses: []string{"addr2"}},
				},
			},
		},
	}

	source := newFakeSource(1, blockA, blockB)
	graph := newMemoryGraph()
	cp := &fakeCheckpoints{}

	err := newLoop(testConfig(config.ModeBackfill), source, graph, cp).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, graph.spends["T1|T2|0"], "SPENT_IN edge from T1 to T2 with vout 0")
	assert.Equal(t, 50.0, graph.outputs["T1|addr1|0"])

	blocks, txs, addresses, outputs, spends := graph.snapshot()

	// Re-applying block B's mutations must not change the graph
	summary, err := graph.ApplyMutationSet(context.Background(), domain_service.BuildMutationSet(blockB))
	require.NoError(t, err)
	assert.Zero(t, summary.SpendEdgesSkipped)

	b2, t2, a2, o2, s2 := graph.snapshot()
	assert.Equal(t, blocks, b2)
	assert.Equal(t, txs, t2)
	assert.Equal(t, addresses, a2)
	assert.Equal(t, outputs, o2)
	assert.Equal(t, spends, s2)
}

func TestRun_CrashResumeProducesIdenticalGraph(t *testing.T) {
	blocks := make([]*entity.Block, 0, 10)
	for h := int64(0); h < 10; h++ {
		blocks = append(blocks, simpleBlock(h))
	}

	// Reference: a clean, uninterrupted run over heights 0..9
	refSource := newFakeSource(9, blocks...)
	refGraph := newMemoryGraph()
	err := newLoop(testConfig(config.ModeBackfill), refSource, refGraph, &fakeCheckpoints{}).Run(context.Background())
	require.NoError(t, err)

	// Crashed run: height 9 was applied but the checkpoint only reached 8
	crashedGraph := newMemoryGraph()
	for _, b := range blocks {
		_, err := crashedGraph.ApplyMutationSet(context.Background(), domain_service.BuildMutationSet(b))
		require.NoError(t, err)
	}
	cp := &fakeCheckpoints{last: 8, exists: true}

	source := newFakeSource(9, blocks...)
	err = newLoop(testConfig(config.ModeBackfill), source, crashedGraph, cp).Run(context.Background())
	require.NoError(t, err)

	// Height 9 is fetched again on restart
	assert.Equal(t, 1, source.calls(9))
	assert.Equal(t, 0, source.calls(8))

	assert.Equal(t, refGraph.blocks, crashedGraph.blocks)
	assert.Equal(t, refGraph.txs, crashedGraph.txs)
	assert.Equal(t, refGraph.addressSeen, crashedGraph.addressSeen)
	assert.Equal(t, refGraph.outputs, crashedGraph.outputs)
	assert.Equal(t, refGraph.spends, crashedGraph.spends)

	last, _ := cp.lastSaved()
	assert.Equal(t, int64(9), last)
}
