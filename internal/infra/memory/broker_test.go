package memory_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"compress-queue/internal/domain"
	"compress-queue/internal/infra/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a mutable time source so delayed promotion and retention
// can be tested without real waiting.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setupBroker(t *testing.T) (*memory.Broker, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	b := memory.NewBroker(domain.DefaultRetryPolicy(), domain.DefaultRetentionPolicy(), memory.WithClock(clock.Now))
	t.Cleanup(func() { _ = b.Close() })
	return b, clock
}

func payloadFor(scanID string) domain.JobPayload {
	return domain.JobPayload{
		ScanID:    scanID,
		ProjectID: "project-1",
		FileURL:   "https://storage.example.com/scans/" + scanID + ".ply",
		FileName:  scanID + ".ply",
		FileSize:  4096,
	}
}

func submit(t *testing.T, b *memory.Broker, clock *fakeClock, scanID string) *domain.JobRecord {
	t.Helper()
	record := domain.NewJobRecord(payloadFor(scanID), clock.Now())
	require.NoError(t, b.Submit(context.Background(), record))
	return record
}

func TestSubmit_IdempotentPerScan(t *testing.T) {
	b, clock := setupBroker(t)
	ctx := context.Background()

	first := submit(t, b, clock, "scan-1")

	dup := domain.NewJobRecord(payloadFor("scan-1"), clock.Now())
	err := b.Submit(ctx, dup)
	assert.ErrorIs(t, err, domain.ErrJobExists)
	assert.Equal(t, first.ID, dup.ID)

	n, err := b.Count(ctx, domain.StateWaiting)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSubmit_ConcurrentCreateIfAbsent(t *testing.T) {
	b, clock := setupBroker(t)
	ctx := context.Background()

	const callers = 32
	created := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created <- b.Submit(ctx, domain.NewJobRecord(payloadFor("scan-race"), clock.Now()))
		}()
	}
	wg.Wait()
	close(created)

	wins := 0
	for err := range created {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, domain.ErrJobExists)
		}
	}
	// Exactly one concurrent submit may create the record.
	assert.Equal(t, 1, wins)

	n, err := b.Count(ctx, domain.StateWaiting)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClaim_FIFOAndAttemptCharge(t *testing.T) {
	b, clock := setupBroker(t)
	ctx := context.Background()

	submit(t, b, clock, "scan-a")
	submit(t, b, clock, "scan-b")

	first, err := b.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "compress-scan-a", first.ID)
	assert.Equal(t, domain.StateActive, first.State)
	assert.Equal(t, 1, first.Attempt)
	assert.Equal(t, "worker-1", first.ClaimedBy)

	second, err := b.Claim(ctx, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "compress-scan-b", second.ID)

	none, err := b.Claim(ctx, "worker-3")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestReport_SuccessCompletes(t *testing.T) {
	b, clock := setupBroker(t)
	ctx := context.Background()

	submit(t, b, clock, "scan-1")
	claimed, err := b.Claim(ctx, "worker-1")
	require.NoError(t, err)

	require.NoError(t, b.Report(ctx, claimed.ID, domain.JobResult{
		Success:            true,
		CompressedFileURL:  "https://storage.example.com/scans/scan-1.z.ply",
		CompressedFileSize: 1024,
		CompressionRatio:   4.0,
	}))

	record, err := b.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, record.State)
	require.NotNil(t, record.Result)
	assert.Equal(t, 4.0, record.Result.CompressionRatio)
	assert.Equal(t, clock.Now(), record.FinishedAt)
}

func TestRetry_BoundedToThreeExecutions(t *testing.T) {
	b, clock := setupBroker(t)
	ctx := context.Background()

	submit(t, b, clock, "scan-doomed")
	id := domain.JobIDFor("scan-doomed")

	expectedDelays := []time.Duration{60 * time.Second, 300 * time.Second}

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := b.Claim(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, claimed, "execution %d should be claimable", attempt)
		assert.Equal(t, attempt, claimed.Attempt)

		require.NoError(t, b.Report(ctx, id, domain.JobResult{Success: false, ErrorMessage: "corrupt"}))

		record, err := b.Get(ctx, id)
		require.NoError(t, err)

		if attempt < 3 {
			assert.Equal(t, domain.StateDelayed, record.State)
			assert.Equal(t, clock.Now().Add(expectedDelays[attempt-1]), record.DelayedUntil)

			// Not due yet: promotion must not re-surface it early.
			promoted, err := b.PromoteDue(ctx)
			require.NoError(t, err)
			assert.Zero(t, promoted)

			clock.Advance(expectedDelays[attempt-1] + time.Second)
			promoted, err = b.PromoteDue(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, promoted)
		} else {
			assert.Equal(t, domain.StateFailed, record.State)
			require.NotNil(t, record.Result)
			assert.Equal(t, "corrupt", record.Result.ErrorMessage)
		}
	}

	// Never a fourth execution.
	clock.Advance(time.Hour)
	promoted, err := b.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, promoted)

	none, err := b.Claim(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestReport_StaleReportIgnored(t *testing.T) {
	b, clock := setupBroker(t)
	ctx := context.Background()

	submit(t, b, clock, "scan-1")
	claimed, err := b.Claim(ctx, "worker-1")
	require.NoError(t, err)

	require.NoError(t, b.Report(ctx, claimed.ID, domain.JobResult{Success: true}))
	// The worker retries its report after a timeout; the duplicate must
	// neither error nor rewrite the record.
	require.NoError(t, b.Report(ctx, claimed.ID, domain.JobResult{Success: false, ErrorMessage: "late"}))

	record, err := b.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, record.State)
}

func TestRequeueOrphans_RecoversCrashedWorker(t *testing.T) {
	b, clock := setupBroker(t)
	ctx := context.Background()

	submit(t, b, clock, "scan-1")
	claimed, err := b.Claim(ctx, "worker-1")
	require.NoError(t, err)

	// Claim still held: nothing to requeue.
	requeued, err := b.RequeueOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, requeued)

	b.DropClaim(claimed.ID)

	requeued, err = b.RequeueOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	record, err := b.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateWaiting, record.State)
	assert.Empty(t, record.ClaimedBy)
	// The crashed execution still consumed an attempt.
	assert.Equal(t, 1, record.Attempt)
}

func TestRequeueOrphans_CrashLoopTerminatesAtCap(t *testing.T) {
	b, clock := setupBroker(t)
	ctx := context.Background()

	submit(t, b, clock, "scan-1")
	id := domain.JobIDFor("scan-1")

	// A worker that dies on every execution never reports, so the cap has
	// to be enforced on the requeue path.
	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := b.Claim(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, claimed, "execution %d should be claimable", attempt)
		assert.Equal(t, attempt, claimed.Attempt)
		assert.LessOrEqual(t, claimed.Attempt, 3)

		b.DropClaim(id)
		requeued, err := b.RequeueOrphans(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, requeued)
	}

	// Third orphaning exhausted the cap: terminal failed, never a 4th claim.
	record, err := b.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, record.State)
	assert.Equal(t, 3, record.Attempt)
	require.NotNil(t, record.Result)
	assert.False(t, record.Result.Success)
	assert.NotEmpty(t, record.Result.ErrorMessage)

	none, err := b.Claim(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestEvictExpired_CompletedCountCap(t *testing.T) {
	b, clock := setupBroker(t)
	ctx := context.Background()

	// Complete 150 jobs in order.
	for i := 0; i < 150; i++ {
		scanID := fmt.Sprintf("scan-%03d", i)
		submit(t, b, clock, scanID)
		claimed, err := b.Claim(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, b.Report(ctx, claimed.ID, domain.JobResult{Success: true}))
		clock.Advance(time.Second)
	}

	evicted, err := b.EvictExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, evicted)

	n, err := b.Count(ctx, domain.StateCompleted)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)

	// The survivors are the 100 most recently completed.
	_, err = b.Get(ctx, domain.JobIDFor("scan-049"))
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	_, err = b.Get(ctx, domain.JobIDFor("scan-050"))
	assert.NoError(t, err)
	_, err = b.Get(ctx, domain.JobIDFor("scan-149"))
	assert.NoError(t, err)
}

func TestEvictExpired_AgeBounds(t *testing.T) {
	b, clock := setupBroker(t)
	ctx := context.Background()

	// One completed and one failed record, finished at the same time.
	submit(t, b, clock, "scan-ok")
	claimed, err := b.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, b.Report(ctx, claimed.ID, domain.JobResult{Success: true}))

	submit(t, b, clock, "scan-bad")
	for i := 0; i < 3; i++ {
		claimed, err = b.Claim(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, b.Report(ctx, claimed.ID, domain.JobResult{Success: false, ErrorMessage: "bad"}))
		clock.Advance(time.Hour)
		_, err = b.PromoteDue(ctx)
		require.NoError(t, err)
	}

	// Past the completed bound, inside the failed one.
	clock.Advance(25 * time.Hour)
	evicted, err := b.EvictExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	_, err = b.Get(ctx, domain.JobIDFor("scan-ok"))
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	record, err := b.Get(ctx, domain.JobIDFor("scan-bad"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, record.State)

	// Eventually the failed record ages out too.
	clock.Advance(8 * 24 * time.Hour)
	evicted, err = b.EvictExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)
}

func TestEvictExpired_NeverTouchesLiveStates(t *testing.T) {
	b, clock := setupBroker(t)
	ctx := context.Background()

	submit(t, b, clock, "scan-a") // claimed below, stays active
	submit(t, b, clock, "scan-b") // stays waiting
	_, err := b.Claim(ctx, "worker-1")
	require.NoError(t, err)

	clock.Advance(30 * 24 * time.Hour)
	evicted, err := b.EvictExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, evicted)
}

func TestClose_Idempotent(t *testing.T) {
	b, _ := setupBroker(t)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	err := b.Submit(context.Background(), domain.NewJobRecord(payloadFor("scan-1"), time.Now()))
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
}

func TestClose_QueriesUnavailable(t *testing.T) {
	b, clock := setupBroker(t)
	ctx := context.Background()

	record := submit(t, b, clock, "scan-1")
	require.NoError(t, b.Close())

	_, err := b.Get(ctx, record.ID)
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)

	_, err = b.Count(ctx, domain.StateWaiting)
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
}
