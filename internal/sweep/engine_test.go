package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"OpenMCP-Sweep/internal/credential"
	xerrors "OpenMCP-Sweep/internal/errors"
	"OpenMCP-Sweep/internal/ledger"
	"OpenMCP-Sweep/internal/lock"
	"OpenMCP-Sweep/internal/observability/alerting"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRun struct {
	mode, status string
}

type fakeRecorder struct {
	mu      sync.Mutex
	runs    []recordedRun
	batches []string
}

func (r *fakeRecorder) ObserveRun(mode, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, recordedRun{mode, status})
}

func (r *fakeRecorder) ObserveBatch(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, state)
}

func (r *fakeRecorder) ObserveConfirmation(time.Duration) {}
func (r *fakeRecorder) ObserveOperations(string, int)     {}

type fakeDispatcher struct {
	events []alerting.Event
}

func (d *fakeDispatcher) Notify(_ context.Context, e alerting.Event) error {
	d.events = append(d.events, e)
	return nil
}

type fakeConverter struct {
	owners []solana.PublicKey
	fail   map[solana.PublicKey]error
}

func (c *fakeConverter) Convert(_ context.Context, owner solana.PublicKey, h ledger.Holding) (*ledger.Conversion, error) {
	c.owners = append(c.owners, owner)
	if err := c.fail[h.Asset]; err != nil {
		return nil, err
	}
	ix := solana.NewInstruction(
		solana.MustPublicKeyFromBase58("JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4"),
		solana.AccountMetaSlice{solana.Meta(owner).SIGNER().WRITE(), solana.Meta(h.SubAccount).WRITE()},
		[]byte{1, 2, 3},
	)
	return &ledger.Conversion{
		Asset:        h.Asset,
		InAmount:     h.Amount,
		ExpectedOut:  h.Amount * 10,
		Instructions: []solana.Instruction{ix},
	}, nil
}

type sweepFixture struct {
	source solana.PublicKey
	dest   solana.PublicKey
	gw     *fakeGateway
	creds  *fakeCredentials
}

func newFixture(t *testing.T) *sweepFixture {
	t.Helper()
	key := newPrivateKey(t)
	return &sweepFixture{
		source: key.PublicKey(),
		dest:   newPubkey(t),
		gw:     &fakeGateway{cost: workedCost, existing: map[solana.PublicKey]bool{}},
		creds:  &fakeCredentials{key: key},
	}
}

func (f *sweepFixture) addExisting(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		h := holding(t, uint64(100+i))
		f.gw.accounts = append(f.gw.accounts, h)
		f.gw.existing[h.Asset] = true
	}
}

func TestRunSweepWorkedExampleMovesOnlyNative(t *testing.T) {
	f := newFixture(t)
	f.gw.native = 1_000_000
	f.gw.accounts = []ledger.Holding{holding(t, 50)}
	rec := &fakeRecorder{}

	summary, err := newTestEngine(f.gw, f.creds, WithRecorder(rec)).RunSweep(context.Background(), f.source, f.dest)
	require.NoError(t, err)
	require.NotNil(t, summary)

	assert.Equal(t, RunCompleted, summary.Status)
	assert.Equal(t, 0, summary.Transferred)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, CodeAffordabilityExhausted, summary.SkippedItems[0].Code)
	assert.Equal(t, uint64(99_120), summary.NativeTransferred)
	assert.Equal(t, "0.00009912", summary.NativeTransferredSOL.String())

	require.Len(t, f.gw.compiled, 1)
	assert.Equal(t, []ledger.Operation{ledger.TransferNative(99_120, f.dest)}, f.gw.compiled[0])
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, BatchSubmitted, summary.Outcomes[0].State)
	assert.Zero(t, f.gw.confirmCalls, "single batch runs do not wait for confirmation")
	assert.Equal(t, 1, f.gw.existCalls)
	assert.Equal(t, summary.Outcomes[0].Signature, summary.LastConfirmedID)

	assert.Equal(t, []recordedRun{{"sweep", "completed"}}, rec.runs)
	assert.Equal(t, []string{"submitted"}, rec.batches)
}

func TestRunSweepClosureFundsCreate(t *testing.T) {
	f := newFixture(t)
	asset := holding(t, 50)
	empty := ledger.Holding{Asset: newPubkey(t), SubAccount: newPubkey(t)}
	f.gw.native = 1_000_000
	f.gw.accounts = []ledger.Holding{asset, empty}

	summary, err := newTestEngine(f.gw, f.creds).RunSweep(context.Background(), f.source, f.dest)
	require.NoError(t, err)

	require.Len(t, f.gw.compiled, 1)
	ops := f.gw.compiled[0]
	// 99,120 - 2,039,280 < 0，不再追加原生转账
	require.Len(t, ops, 3)
	assert.Equal(t, ledger.OpCloseSubAccount, ops[0].Kind)
	assert.Equal(t, empty.SubAccount, ops[0].Source)
	assert.Equal(t, ledger.OpCreateSubAccount, ops[1].Kind)
	assert.Equal(t, ledger.OpTransferAsset, ops[2].Kind)

	assert.Equal(t, RunCompleted, summary.Status)
	assert.Equal(t, 1, summary.Transferred)
	assert.Equal(t, 1, summary.Closed)
	assert.Zero(t, summary.NativeTransferred)
}

func TestRunSweepMultiBatchNativeCoversEarlierBatches(t *testing.T) {
	f := newFixture(t)
	f.gw.native = 20_000_000
	for i := 0; i < 7; i++ {
		f.gw.accounts = append(f.gw.accounts, holding(t, uint64(i+1)))
	}

	summary, err := newTestEngine(f.gw, f.creds, WithBatchLimits(4, 4)).RunSweep(context.Background(), f.source, f.dest)
	require.NoError(t, err)

	require.Len(t, f.gw.compiled, 4)
	assert.Equal(t, 4, f.gw.confirmCalls)
	last := f.gw.compiled[3]
	assert.Equal(t, ledger.TransferNative(4_794_160, f.dest), last[len(last)-1])
	assert.Equal(t, RunCompleted, summary.Status)
	assert.Equal(t, 7, summary.Transferred)
	assert.Equal(t, uint64(4_794_160), summary.NativeTransferred)
}

func TestRunSweepEmptyAccountIsIdempotent(t *testing.T) {
	f := newFixture(t)

	engine := newTestEngine(f.gw, f.creds)
	for i := 0; i < 2; i++ {
		summary, err := engine.RunSweep(context.Background(), f.source, f.dest)
		require.NoError(t, err)
		require.NotNil(t, summary)
		assert.Equal(t, RunNothingToSweep, summary.Status)
		assert.Equal(t, CodeNoAssets, summary.ErrorCode)
		assert.True(t, summary.Succeeded())
	}
	assert.Zero(t, f.gw.mutatingCalls())
	assert.Zero(t, f.creds.acquired)

	// 余额恰好等于手续费加租金下限时同样无事可做
	f.gw.native = workedCost.FeeEstimate + workedCost.RentExemptMinimum
	summary, err := engine.RunSweep(context.Background(), f.source, f.dest)
	require.NoError(t, err)
	assert.Equal(t, RunNothingToSweep, summary.Status)
	assert.Zero(t, f.gw.mutatingCalls())
}

func TestRunSweepPartialFailureStopsAtFailedBatch(t *testing.T) {
	f := newFixture(t)
	f.addExisting(t, 6)
	f.gw.native = 900_880
	f.gw.confirms = []ledger.Confirmation{
		{Status: ledger.StatusConfirmed, Slot: 10},
		{Status: ledger.StatusFailed, Slot: 11, Err: "custom program error: 0x1"},
	}
	alerts := &fakeDispatcher{}

	summary, err := newTestEngine(f.gw, f.creds,
		WithBatchLimits(2, 2),
		WithAlertDispatcher(alerts),
	).RunSweep(context.Background(), f.source, f.dest)
	require.Error(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, CodeBatchSubmissionFailed, xerrors.CodeOf(err))

	require.Len(t, summary.Outcomes, 3)
	assert.Equal(t, BatchConfirmed, summary.Outcomes[0].State)
	assert.Equal(t, BatchFailed, summary.Outcomes[1].State)
	assert.Equal(t, BatchNotAttempted, summary.Outcomes[2].State)
	assert.Len(t, f.gw.submitted, 2)

	assert.Equal(t, RunPartial, summary.Status)
	assert.Equal(t, 2, summary.Transferred)
	assert.Equal(t, 6, summary.Planned.Transferred)
	require.NotNil(t, summary.StoppedAt)
	assert.Equal(t, 1, *summary.StoppedAt)
	assert.Equal(t, solana.Signature{1}.String(), summary.LastConfirmedID)
	assert.Zero(t, summary.NativeTransferred)

	require.Len(t, alerts.events, 1)
	assert.Equal(t, CodeBatchSubmissionFailed, alerts.events[0].Code)
	assert.Equal(t, summary.RunID, alerts.events[0].RunID)
}

func TestRunSweepConfirmationTimeout(t *testing.T) {
	cases := map[string]func(gw *fakeGateway){
		"ledger reports timeout": func(gw *fakeGateway) {
			gw.confirms = []ledger.Confirmation{{Status: ledger.StatusTimedOut}}
		},
		"status query fails": func(gw *fakeGateway) {
			gw.confirmErrs = map[int]error{0: errors.New("connection reset")}
		},
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.addExisting(t, 4)
			setup(f.gw)

			summary, err := newTestEngine(f.gw, f.creds, WithBatchLimits(2, 2)).RunSweep(context.Background(), f.source, f.dest)
			require.Error(t, err)
			assert.Equal(t, CodeBatchConfirmationTimeout, xerrors.CodeOf(err))
			assert.Equal(t, RunTimedOut, summary.Status)
			assert.Equal(t, BatchTimedOut, summary.Outcomes[0].State)
			assert.NotEmpty(t, summary.Outcomes[0].Signature)
			assert.Equal(t, BatchNotAttempted, summary.Outcomes[1].State)
			require.NotNil(t, summary.StoppedAt)
			assert.Equal(t, 0, *summary.StoppedAt)
			assert.Empty(t, summary.LastConfirmedID)
			assert.Len(t, f.gw.submitted, 1)
		})
	}
}

func TestRunSweepInvalidCredential(t *testing.T) {
	cases := map[string]func(f *sweepFixture){
		"missing key":    func(f *sweepFixture) { f.creds.err = credential.ErrNotFound },
		"mismatched key": func(f *sweepFixture) { f.creds.key = newPrivateKey(t) },
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.addExisting(t, 1)
			setup(f)

			summary, err := newTestEngine(f.gw, f.creds).RunSweep(context.Background(), f.source, f.dest)
			require.Error(t, err)
			assert.Equal(t, CodeInvalidCredential, xerrors.CodeOf(err))
			assert.Equal(t, RunFailed, summary.Status)
			assert.Equal(t, BatchFailed, summary.Outcomes[0].State)
			assert.Empty(t, f.gw.submitted)
			require.NotNil(t, summary.StoppedAt)
			assert.Equal(t, 0, *summary.StoppedAt)
		})
	}
}

func TestRunSweepUnreachableLedgerReturnsNoSummary(t *testing.T) {
	f := newFixture(t)
	f.gw.nativeErr = errors.New("dial tcp: i/o timeout")

	summary, err := newTestEngine(f.gw, f.creds).RunSweep(context.Background(), f.source, f.dest)
	require.Error(t, err)
	assert.Nil(t, summary)
	assert.Equal(t, CodeAccountUnreachable, xerrors.CodeOf(err))
	assert.True(t, xerrors.RetryableError(err))
	assert.Zero(t, f.gw.mutatingCalls())
}

func TestRunSweepRejectsConcurrentRunForSameSource(t *testing.T) {
	f := newFixture(t)
	f.gw.native = 5_000_000
	locker := lock.NewMemory()
	lease, err := locker.Acquire(context.Background(), f.source.String(), time.Minute)
	require.NoError(t, err)

	engine := newTestEngine(f.gw, f.creds, WithLocker(locker, time.Minute))
	summary, err := engine.RunSweep(context.Background(), f.source, f.dest)
	require.Error(t, err)
	assert.Nil(t, summary)
	assert.Equal(t, CodeRunInProgress, xerrors.CodeOf(err))
	assert.Zero(t, f.gw.mutatingCalls())

	require.NoError(t, lease.Release(context.Background()))
	summary, err = engine.RunSweep(context.Background(), f.source, f.dest)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, summary.Status)

	// 运行结束后锁已释放
	again, err := locker.Acquire(context.Background(), f.source.String(), time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(context.Background()))
}

func TestRunSweepValidatesRequest(t *testing.T) {
	f := newFixture(t)
	engine := newTestEngine(f.gw, f.creds)

	_, err := engine.RunSweep(context.Background(), f.source, f.source)
	assert.Equal(t, CodeInvalidRequest, xerrors.CodeOf(err))

	_, err = engine.RunSweep(context.Background(), solana.PublicKey{}, f.dest)
	assert.Equal(t, CodeInvalidRequest, xerrors.CodeOf(err))

	_, err = engine.RunSwapAll(context.Background(), f.source)
	assert.Equal(t, CodeInvalidRequest, xerrors.CodeOf(err), "swap-all needs a converter")
	assert.False(t, engine.SupportsSwapAll())
}

func TestRunSweepIgnoresCancellationAfterPlanning(t *testing.T) {
	f := newFixture(t)
	f.addExisting(t, 4)
	ctx, cancel := context.WithCancel(context.Background())

	engine := newTestEngine(f.gw, f.creds, WithBatchLimits(2, 2))
	engine.gateway = &cancellingGateway{fakeGateway: f.gw, cancel: cancel}
	summary, err := engine.RunSweep(ctx, f.source, f.dest)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, summary.Status)
	assert.Len(t, f.gw.submitted, 2)
}

// cancellingGateway 在第一次提交时取消调用方的上下文。
type cancellingGateway struct {
	*fakeGateway
	cancel context.CancelFunc
}

func (g *cancellingGateway) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	g.cancel()
	if err := ctx.Err(); err != nil {
		return solana.Signature{}, err
	}
	return g.fakeGateway.Submit(ctx, tx)
}

func TestRunSwapAllConvertsInPlace(t *testing.T) {
	f := newFixture(t)
	keep := holding(t, 500)
	noRoute := holding(t, 7)
	empty := ledger.Holding{Asset: newPubkey(t), SubAccount: newPubkey(t)}
	f.gw.native = 10_000_000
	f.gw.accounts = []ledger.Holding{keep, empty, noRoute}
	conv := &fakeConverter{fail: map[solana.PublicKey]error{noRoute.Asset: errors.New("no route")}}

	engine := newTestEngine(f.gw, f.creds, WithConverter(conv), WithSwapOpsPerBatch(1))
	require.True(t, engine.SupportsSwapAll())
	summary, err := engine.RunSwapAll(context.Background(), f.source)
	require.NoError(t, err)

	assert.Equal(t, ModeSwapAll, summary.Mode)
	assert.Equal(t, RunCompleted, summary.Status)
	assert.Equal(t, 1, summary.Converted)
	assert.Equal(t, 1, summary.Closed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, CodeConversionUnavailable, summary.SkippedItems[0].Code)
	assert.Empty(t, summary.Destination)
	assert.Zero(t, f.gw.existCalls)

	require.Len(t, f.gw.compiled, 2)
	assert.Equal(t, ledger.OpCloseSubAccount, f.gw.compiled[0][0].Kind)
	assert.Equal(t, ledger.OpConvert, f.gw.compiled[1][0].Kind)
	for _, ops := range f.gw.compiled {
		for _, op := range ops {
			assert.NotEqual(t, ledger.OpTransferNative, op.Kind)
		}
	}
	assert.Equal(t, 2, f.gw.confirmCalls)
	for _, owner := range conv.owners {
		assert.Equal(t, f.source, owner)
	}
}
