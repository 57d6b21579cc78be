package mipstream

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requestAndUpdate requests level on img and runs one frame.
func requestAndUpdate(t *testing.T, ctrl *Controller, img *StreamingImage, level MipLevel) FrameReport {
	t.Helper()
	img.SetTargetMip(level)
	report, err := ctrl.Update(context.Background())
	require.NoError(t, err)
	return report
}

// streamTo drives img to level through the controller with an immediate loader.
func streamTo(t *testing.T, ctrl *Controller, img *StreamingImage, level MipLevel) {
	t.Helper()
	requestAndUpdate(t, ctrl, img, level)
	require.NoError(t, ctrl.Flush(context.Background()))
	requestAndUpdate(t, ctrl, img, level)
	require.Equal(t, level, img.ResidentMipLevel())
}

func TestControllerExpandAndTrim(t *testing.T) {
	pool := newFakePool()
	desc := testDescriptor("e2e", 3, 1)
	ctrl := NewController()
	reg := newTestRegistry(t, pool, mapLoader(payloadsFor(desc)), WithController(ctrl))
	img := newTestImage(t, reg, desc)

	report := requestAndUpdate(t, ctrl, img, 0)
	assert.Equal(t, uint64(1), report.Frame)
	assert.Equal(t, 1, report.Queued)
	assert.Equal(t, MipLevel(0), img.ResidencyTarget())
	assert.Equal(t, NoLevel, img.StreamingTarget())

	require.NoError(t, ctrl.Flush(context.Background()))
	report = requestAndUpdate(t, ctrl, img, 0)
	assert.Equal(t, 1, report.Expands)
	assert.Zero(t, report.Queued)
	assert.Equal(t, MipLevel(0), img.ResidentMipLevel())
	assert.Equal(t, desc.RangeSize(MipRange{Top: 0, Bottom: 3}), report.ResidentBytes)
	assert.Equal(t, MipRange{Top: 0, Bottom: 2}, pool.lastExpand())
	requireContiguous(t, pool, img)

	report = requestAndUpdate(t, ctrl, img, 2)
	assert.Equal(t, 1, report.Trims)
	assert.Equal(t, MipLevel(2), img.ResidentMipLevel())
	assert.Equal(t, MipLevel(2), img.ResidencyTarget())
	requireContiguous(t, pool, img)

	snap := ctrl.Stats().Snapshot()
	assert.Equal(t, uint64(3), snap.Completed)
	assert.Equal(t, uint64(1), snap.Expands)
	assert.Equal(t, uint64(3), snap.LevelsUploaded)
	assert.Equal(t, uint64(3), ctrl.Frame())
}

func TestControllerIdleTrim(t *testing.T) {
	desc := testDescriptor("idle", 2, 1)
	ctrl := NewController(WithIdleFrames(2))
	reg := newTestRegistry(t, newFakePool(), mapLoader(payloadsFor(desc)), WithController(ctrl))
	img := newTestImage(t, reg, desc)

	streamTo(t, ctrl, img, 0)

	report, err := ctrl.Update(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Trims)
	assert.Equal(t, MipLevel(0), img.ResidentMipLevel())

	report, err = ctrl.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Trims)
	assert.Equal(t, MipLevel(2), img.ResidentMipLevel())

	report, err = ctrl.Update(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Trims, "already at the persistent tail")
}

func TestControllerBudgetTrimsLeastRecent(t *testing.T) {
	pool := newFakePool()
	descA := testDescriptor("a", 2, 1) // 16x16 RGBA8: 1024, 256, 64
	descB := testDescriptor("b", 2, 1)
	payloads := payloadsFor(descA)
	for k, v := range payloadsFor(descB) {
		payloads[k] = v
	}
	ctrl := NewController(WithBudget(1024 + 256 + 64 + 64))
	reg := newTestRegistry(t, pool, mapLoader(payloads), WithController(ctrl))
	a := newTestImage(t, reg, descA)
	b := newTestImage(t, reg, descB)

	streamTo(t, ctrl, a, 0)
	assert.Equal(t, uint64(1024+256+64+64), ctrl.ResidentBytes())

	requestAndUpdate(t, ctrl, b, 0)
	require.NoError(t, ctrl.Flush(context.Background()))
	report := requestAndUpdate(t, ctrl, b, 0)

	assert.Equal(t, 1, report.Expands)
	assert.Equal(t, 2, report.Trims)
	assert.Equal(t, MipLevel(0), b.ResidentMipLevel())
	assert.Equal(t, MipLevel(2), a.ResidentMipLevel())
	assert.LessOrEqual(t, report.ResidentBytes, uint64(1024+256+64+64))
	requireContiguous(t, pool, a)
	requireContiguous(t, pool, b)
}

func TestControllerBudgetDefers(t *testing.T) {
	desc := testDescriptor("defer", 2, 1)
	ctrl := NewController(WithBudget(64 + 100))
	reg := newTestRegistry(t, newFakePool(), mapLoader(payloadsFor(desc)), WithController(ctrl))
	img := newTestImage(t, reg, desc)

	requestAndUpdate(t, ctrl, img, 0)
	require.NoError(t, ctrl.Flush(context.Background()))
	report := requestAndUpdate(t, ctrl, img, 0)

	assert.Equal(t, 1, report.Deferred)
	assert.Zero(t, report.Expands)
	assert.Equal(t, MipLevel(2), img.ResidentMipLevel())
	assert.True(t, img.HasPendingExpand())
}

func TestControllerExpandFailureIsCounted(t *testing.T) {
	pool := newFakePool()
	desc := testDescriptor("fail", 2, 1)
	ctrl := NewController()
	reg := newTestRegistry(t, pool, mapLoader(payloadsFor(desc)), WithController(ctrl))
	img := newTestImage(t, reg, desc)

	requestAndUpdate(t, ctrl, img, 0)
	require.NoError(t, ctrl.Flush(context.Background()))

	pool.setExpandErr(errors.New("upload failed"))
	report := requestAndUpdate(t, ctrl, img, 0)
	assert.Equal(t, 1, report.ExpandFailures)
	assert.Zero(t, report.Expands)
	assert.Equal(t, MipLevel(2), img.ResidentMipLevel())

	pool.setExpandErr(nil)
	report = requestAndUpdate(t, ctrl, img, 0)
	assert.Equal(t, 1, report.Expands)
	assert.Equal(t, MipLevel(0), img.ResidentMipLevel())
}

func TestControllerBudgetCommitsCoarseEnd(t *testing.T) {
	desc := testDescriptor("partial", 2, 1) // 1024, 256, 64
	ctrl := NewController(WithBudget(64 + 256 + 10))
	reg := newTestRegistry(t, newFakePool(), mapLoader(payloadsFor(desc)), WithController(ctrl))
	img := newTestImage(t, reg, desc)

	requestAndUpdate(t, ctrl, img, 0)
	require.NoError(t, ctrl.Flush(context.Background()))
	report := requestAndUpdate(t, ctrl, img, 0)

	assert.Equal(t, 1, report.Expands)
	assert.Zero(t, report.Deferred)
	assert.Equal(t, MipLevel(1), img.ResidentMipLevel())
	assert.Equal(t, uint64(64+256), report.ResidentBytes)
	assert.Equal(t, LevelCPUReady, img.LevelState(0))

	report = requestAndUpdate(t, ctrl, img, 0)
	assert.Equal(t, 1, report.Deferred)
	assert.Equal(t, MipLevel(1), img.ResidentMipLevel())
}

// twoImages registers a bystander streamed to level 0 and a second image
// whose assets come from other.
func twoImages(t *testing.T, pool *fakePool, ctrl *Controller, other map[AssetRef][]byte) (*StreamingImage, *StreamingImage) {
	t.Helper()
	descA := testDescriptor("bystander", 2, 1)
	descB := testDescriptor("streamed", 2, 1)
	payloads := payloadsFor(descA)
	for k, v := range other {
		payloads[k] = v
	}
	reg := newTestRegistry(t, pool, mapLoader(payloads), WithController(ctrl))
	a := newTestImage(t, reg, descA)
	b := newTestImage(t, reg, descB)
	streamTo(t, ctrl, a, 0)
	return a, b
}

func TestControllerCorruptPayloadIsFetchFailure(t *testing.T) {
	pool := newFakePool()
	ctrl := NewController(WithBudget(64 << 20))
	corrupt := map[AssetRef][]byte{
		levelRef("streamed", 0): {1, 2, 3},
		levelRef("streamed", 1): {1, 2, 3},
	}
	a, b := twoImages(t, pool, ctrl, corrupt)
	trims := pool.trimCount()

	requestAndUpdate(t, ctrl, b, 0)
	require.NoError(t, ctrl.Flush(context.Background()))

	assert.Equal(t, MaskOf(0, 1), b.State().FailedMask())
	assert.Equal(t, LevelMask(0), b.State().ReadyMask())
	assert.Equal(t, LevelEvicted, b.LevelState(0))
	assert.Equal(t, LevelEvicted, b.LevelState(1))
	assert.Equal(t, uint64(2), ctrl.Stats().Snapshot().Failed)

	for range 3 {
		report := requestAndUpdate(t, ctrl, b, 0)
		require.NoError(t, ctrl.Flush(context.Background()))
		assert.Zero(t, report.Trims)
		assert.Zero(t, report.ExpandFailures)
	}
	assert.Equal(t, MipLevel(0), a.ResidentMipLevel(), "bystander keeps its residency")
	assert.Equal(t, MipLevel(2), b.ResidentMipLevel())
	assert.Equal(t, trims, pool.trimCount())
	requireContiguous(t, pool, a)
}

func TestControllerTrimsOthersOnlyForMemoryPressure(t *testing.T) {
	pool := newFakePool()
	ctrl := NewController()
	a, b := twoImages(t, pool, ctrl, payloadsFor(testDescriptor("streamed", 2, 1)))

	requestAndUpdate(t, ctrl, b, 0)
	require.NoError(t, ctrl.Flush(context.Background()))

	pool.setExpandErr(errors.New("upload failed"))
	report := requestAndUpdate(t, ctrl, b, 0)
	assert.Equal(t, 1, report.ExpandFailures)
	assert.Zero(t, report.Trims)
	assert.Equal(t, MipLevel(0), a.ResidentMipLevel())
	assert.Equal(t, MipLevel(2), b.ResidentMipLevel())
	assert.True(t, b.HasPendingExpand(), "ready levels are kept for a retry")

	pool.setExpandErr(errors.Mark(errors.New("pool full"), ErrOutOfMemory))
	report = requestAndUpdate(t, ctrl, b, 0)
	assert.Equal(t, 2, report.ExpandFailures)
	assert.Equal(t, 1, report.Trims)
	assert.Equal(t, MipLevel(1), a.ResidentMipLevel())
	assert.Equal(t, MipLevel(2), b.ResidentMipLevel())

	pool.setExpandErr(nil)
	report = requestAndUpdate(t, ctrl, b, 0)
	assert.Equal(t, 1, report.Expands)
	assert.Equal(t, MipLevel(0), b.ResidentMipLevel())
	requireContiguous(t, pool, a)
	requireContiguous(t, pool, b)
}

func TestControllerFatalTrimIsReturned(t *testing.T) {
	pool := newFakePool()
	desc := testDescriptor("fatal", 2, 1)
	ctrl := NewController()
	reg := newTestRegistry(t, pool, mapLoader(payloadsFor(desc)), WithController(ctrl))
	img := newTestImage(t, reg, desc)

	streamTo(t, ctrl, img, 0)

	pool.setTrimErr(errors.New("device lost"))
	img.SetTargetMip(2)
	_, err := ctrl.Update(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFatalPool))
	pool.setTrimErr(nil)
}

func TestControllerMipBias(t *testing.T) {
	desc := testDescriptor("bias", 3, 1)
	ctrl := NewController(WithMipBias(1))
	reg := newTestRegistry(t, newFakePool(), mapLoader(payloadsFor(desc)), WithController(ctrl))
	img := newTestImage(t, reg, desc)

	requestAndUpdate(t, ctrl, img, 0)
	assert.Equal(t, MipLevel(1), img.ResidencyTarget())
	assert.Equal(t, MaskOf(1, 2), img.State().ActiveMask())
}

func TestControllerMaxExpandsPerFrame(t *testing.T) {
	descA := testDescriptor("ma", 1, 1)
	descB := testDescriptor("mb", 1, 1)
	payloads := payloadsFor(descA)
	for k, v := range payloadsFor(descB) {
		payloads[k] = v
	}
	ctrl := NewController(WithMaxExpandsPerFrame(1))
	reg := newTestRegistry(t, newFakePool(), mapLoader(payloads), WithController(ctrl))
	a := newTestImage(t, reg, descA)
	b := newTestImage(t, reg, descB)

	a.SetTargetMip(0)
	b.SetTargetMip(0)
	_, err := ctrl.Update(context.Background())
	require.NoError(t, err)
	require.NoError(t, ctrl.Flush(context.Background()))

	report, err := ctrl.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expands)

	report, err = ctrl.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expands)
	assert.Equal(t, MipLevel(0), a.ResidentMipLevel())
	assert.Equal(t, MipLevel(0), b.ResidentMipLevel())
}

func TestControllerRequeuesFailedLevels(t *testing.T) {
	pool := newFakePool()
	loader := newManualLoader()
	ctrl := NewController()
	reg := newTestRegistry(t, pool, loader, WithController(ctrl))
	desc := testDescriptor("requeue", 3, 1)
	img := newTestImage(t, reg, desc)

	requestAndUpdate(t, ctrl, img, 0)
	loader.complete(levelRef("requeue", 0), levelPayload(desc, 0))
	loader.complete(levelRef("requeue", 1), levelPayload(desc, 1))
	loader.fail(levelRef("requeue", 2), errors.New("transient"))
	require.Eventually(t, func() bool { return ctrl.Queue().Pending() >= 3 }, 2*time.Second, time.Millisecond)

	report := requestAndUpdate(t, ctrl, img, 0)
	assert.Equal(t, 2, report.Completions)
	assert.Equal(t, 1, report.Queued)
	assert.Zero(t, report.Expands, "level 2 is missing")
	assert.Equal(t, MipLevel(3), img.ResidentMipLevel())

	loader.complete(levelRef("requeue", 2), levelPayload(desc, 2))
	require.Eventually(t, func() bool { return ctrl.Queue().Pending() >= 1 }, 2*time.Second, time.Millisecond)

	report = requestAndUpdate(t, ctrl, img, 0)
	assert.Equal(t, 1, report.Expands)
	assert.Equal(t, MipLevel(0), img.ResidentMipLevel())
	assert.Equal(t, MipRange{Top: 0, Bottom: 2}, pool.lastExpand())
}

func TestControllerAbort(t *testing.T) {
	loader := newManualLoader()
	ctrl := NewController()
	reg := newTestRegistry(t, newFakePool(), loader, WithController(ctrl))
	desc := testDescriptor("abort", 3, 1)
	img := newTestImage(t, reg, desc)

	requestAndUpdate(t, ctrl, img, 0)
	assert.Equal(t, 3, ctrl.Abort())
	assert.Equal(t, LevelMask(0), img.State().ActiveMask())
	assert.Equal(t, MipLevel(3), img.ResidencyTarget())

	for l := MipLevel(0); l < 3; l++ {
		loader.complete(levelRef("abort", l), levelPayload(desc, l))
	}
	require.Eventually(t, func() bool { return ctrl.Queue().Pending() >= 3 }, 2*time.Second, time.Millisecond)

	report, err := ctrl.Update(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Completions)
	assert.Zero(t, report.Expands)
	assert.Equal(t, MipLevel(3), img.ResidentMipLevel())
	assert.Equal(t, uint64(3), ctrl.Stats().Snapshot().Discarded)
	assert.Zero(t, ctrl.Stats().InFlight())
}

func TestControllerFlushHonoursContext(t *testing.T) {
	loader := newManualLoader()
	ctrl := NewController()
	reg := newTestRegistry(t, newFakePool(), loader, WithController(ctrl))
	desc := testDescriptor("flush", 1, 1)
	img := newTestImage(t, reg, desc)

	requestAndUpdate(t, ctrl, img, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ctrl.Flush(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	loader.complete(levelRef("flush", 0), levelPayload(desc, 0))
	require.NoError(t, ctrl.Flush(context.Background()))
	assert.True(t, img.Store().IsLevelReady(0))
}

func TestControllerUpdateCancelled(t *testing.T) {
	ctrl := NewController()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ctrl.Update(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, ctrl.Frame())
}

func TestControllerNonStreamableImage(t *testing.T) {
	pool := newFakePool()
	ctrl := NewController(WithIdleFrames(1))
	reg := newTestRegistry(t, pool, newManualLoader(), WithController(ctrl))
	img := newTestImage(t, reg, testDescriptor("static", 0, 2))

	report := requestAndUpdate(t, ctrl, img, 0)
	assert.Zero(t, report.Queued)
	assert.Equal(t, NoLevel, img.StreamingTarget())

	report, err := ctrl.Update(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Trims)
	assert.Zero(t, pool.trimCount())
}

func TestFrameReportString(t *testing.T) {
	r := FrameReport{Frame: 7, Completions: 2, Queued: 1, Expands: 1, Trims: 3, ResidentBytes: 4096}
	assert.Equal(t,
		"Frame[7: 2 ready, 1 queued, 1 expanded, 0 failed, 0 deferred, 3 trimmed, 4 KB resident]",
		r.String())
}
