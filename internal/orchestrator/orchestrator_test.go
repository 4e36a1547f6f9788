package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geosync/internal/cad"
	"geosync/internal/clipping"
	"geosync/internal/geodesy"
	"geosync/internal/placement"
	"geosync/internal/protocol"
	"geosync/internal/terrain"
	"geosync/internal/transport"
)

type recordingRenderer struct {
	mu       sync.Mutex
	assets   map[uuid.UUID]placement.PlacedAsset
	added    []string
	clipping []clipping.Loop

	// failAsset makes AddAsset fail for that asset reference.
	failAsset string
}

func newRecordingRenderer() *recordingRenderer {
	return &recordingRenderer{assets: map[uuid.UUID]placement.PlacedAsset{}}
}

func (r *recordingRenderer) AddAsset(_ context.Context, a placement.PlacedAsset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.AssetReference == r.failAsset {
		return errors.New("webgl context lost")
	}
	r.assets[a.ID] = a
	r.added = append(r.added, a.AssetReference)
	return nil
}

func (r *recordingRenderer) RemoveAsset(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.assets, id)
	return nil
}

func (r *recordingRenderer) SetClipping(_ context.Context, loops []clipping.Loop) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clipping = loops
	return nil
}

func (r *recordingRenderer) only(t *testing.T) placement.PlacedAsset {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.assets, 1)
	for _, a := range r.assets {
		return a
	}
	return placement.PlacedAsset{}
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
	stages   []State
	loops    int
}

func (o *recordingObserver) ObserveStage(s State, _ time.Duration) {
	o.mu.Lock()
	o.stages = append(o.stages, s)
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveCycle(outcome string, _ time.Duration) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveClipping(loops, _ int) {
	o.mu.Lock()
	o.loops = loops
	o.mu.Unlock()
}

type fixture struct {
	orch     *Orchestrator
	scene    *placement.Scene
	renderer *recordingRenderer
	observer *recordingObserver
}

func newFixture() *fixture {
	r := newRecordingRenderer()
	scene := placement.NewScene(r)
	obs := &recordingObserver{}
	resolver := placement.NewResolver(placement.DefaultConfig(), terrain.Flat{Height: 10})
	return &fixture{orch: New(resolver, scene, obs), scene: scene, renderer: r, observer: obs}
}

var square = []float64{-73.99, 40.75, -73.98, 40.75, -73.98, 40.76, -73.99, 40.76}

func payload(asset string) protocol.SyncPayload {
	return protocol.SyncPayload{
		GLBPath:          asset,
		Position:         protocol.Position{Lat: 40.758, Lon: -73.9855, Height: 2},
		ClippingPolygons: [][]float64{square},
	}
}

func TestSubmitPlacesAsset(t *testing.T) {
	f := newFixture()
	var states []State
	f.orch.OnStateChange(func(c StateChange) { states = append(states, c.State) })

	res, err := f.orch.Submit(context.Background(), payload("a.glb"))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), res.CycleID)
	assert.Equal(t, 12.0, res.Asset.Position.Height)
	assert.Equal(t, geodesy.Absolute, res.Asset.Position.Reference)
	assert.Equal(t, 90.0, res.Asset.Orientation.HeadingDeg)
	assert.Len(t, res.Loops, 1)

	assert.Equal(t, []State{Exporting, Transformed, Placed, Idle}, states)
	assert.Equal(t, "a.glb", f.renderer.only(t).AssetReference)
	assert.Len(t, f.renderer.clipping, 1)

	assert.Equal(t, []string{OutcomeSuccess}, f.observer.outcomes)
	assert.Equal(t, []State{Exporting, Transformed, Placed}, f.observer.stages)
	assert.Equal(t, 1, f.observer.loops)

	st := f.orch.Status()
	assert.Equal(t, Idle, st.State)
	assert.Equal(t, uint64(1), st.LastCycleID)
	assert.Empty(t, st.LastError)
}

func TestRepeatedSyncKeepsOneAsset(t *testing.T) {
	f := newFixture()
	for i := 0; i < 5; i++ {
		_, err := f.orch.Submit(context.Background(), payload(fmt.Sprintf("m%d.glb", i)))
		require.NoError(t, err)
	}
	assert.Equal(t, "m4.glb", f.renderer.only(t).AssetReference)
	cur, ok := f.scene.Current()
	require.True(t, ok)
	assert.Equal(t, uint64(5), cur.CycleID)
}

func TestFailedSyncLeavesSceneUntouched(t *testing.T) {
	f := newFixture()
	first, err := f.orch.Submit(context.Background(), payload("a.glb"))
	require.NoError(t, err)

	var last StateChange
	f.orch.OnStateChange(func(c StateChange) {
		if c.State == Failed {
			last = c
		}
	})

	failing := protocol.PayloadSourceFunc(func(context.Context) (protocol.SyncPayload, error) {
		return protocol.SyncPayload{}, geodesy.ErrAnchorNotSet
	})
	_, err = f.orch.Submit(context.Background(), failing)
	assert.ErrorIs(t, err, geodesy.ErrAnchorNotSet)
	assert.ErrorIs(t, last.Err, geodesy.ErrAnchorNotSet)

	assert.Equal(t, first.Asset.ID, f.renderer.only(t).ID)
	assert.Len(t, f.renderer.clipping, 1)

	st := f.orch.Status()
	assert.Equal(t, Idle, st.State)
	assert.Equal(t, first.CycleID, st.LastCycleID)
	assert.Equal(t, UserMessage(geodesy.ErrAnchorNotSet), st.LastError)
	assert.Equal(t, []string{OutcomeSuccess, OutcomeFailed}, f.observer.outcomes)
}

func TestRendererFailureRollsBack(t *testing.T) {
	f := newFixture()
	first, err := f.orch.Submit(context.Background(), payload("a.glb"))
	require.NoError(t, err)

	f.renderer.failAsset = "b.glb"
	_, err = f.orch.Submit(context.Background(), payload("b.glb"))
	require.Error(t, err)

	assert.Equal(t, first.Asset.ID, f.renderer.only(t).ID)
	cur, _ := f.scene.Current()
	assert.Equal(t, first.Asset.ID, cur.ID)
}

func TestInvalidPayloadIsRejected(t *testing.T) {
	f := newFixture()
	_, err := f.orch.Submit(context.Background(), protocol.SyncPayload{})
	assert.ErrorIs(t, err, protocol.ErrInvalidPayload)
	_, ok := f.scene.Current()
	assert.False(t, ok)
}

func TestEmptyClippingClearsPreviousLoops(t *testing.T) {
	f := newFixture()
	_, err := f.orch.Submit(context.Background(), payload("a.glb"))
	require.NoError(t, err)
	require.Len(t, f.renderer.clipping, 1)

	p := payload("b.glb")
	p.ClippingPolygons = nil
	_, err = f.orch.Submit(context.Background(), p)
	require.NoError(t, err)
	assert.Empty(t, f.renderer.clipping)
	assert.Empty(t, f.scene.Clipping())
}

func TestDegeneratePolygonsAreDropped(t *testing.T) {
	f := newFixture()
	p := payload("a.glb")
	p.ClippingPolygons = append(p.ClippingPolygons, []float64{1, 1, 2, 2}, []float64{0, 0, 1, 1, 2, 2})
	res, err := f.orch.Submit(context.Background(), p)
	require.NoError(t, err)
	assert.Len(t, res.Loops, 1)
	assert.Equal(t, 2, res.Dropped)
}

func TestOlderSequenceIsStale(t *testing.T) {
	f := newFixture()
	p := payload("new.glb")
	p.Sequence = 5
	_, err := f.orch.Submit(context.Background(), p)
	require.NoError(t, err)

	old := payload("old.glb")
	old.Sequence = 3
	_, err = f.orch.Submit(context.Background(), old)
	assert.ErrorIs(t, err, ErrStale)
	assert.Equal(t, "new.glb", f.renderer.only(t).AssetReference)
	assert.Empty(t, f.orch.Status().LastError)

	// Unsequenced payloads are always accepted.
	_, err = f.orch.Submit(context.Background(), payload("manual.glb"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), f.orch.Status().LastSequence)
}

// blockingSource blocks its first call until released.
type blockingSource struct {
	asset   string
	started chan struct{}
	release chan struct{}
}

func newBlockingSource(asset string) *blockingSource {
	return &blockingSource{asset: asset, started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingSource) Payload(ctx context.Context) (protocol.SyncPayload, error) {
	close(b.started)
	select {
	case <-b.release:
		return payload(b.asset), nil
	case <-ctx.Done():
		return protocol.SyncPayload{}, ctx.Err()
	}
}

func waitQueued(t *testing.T, o *Orchestrator, id uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.queued != nil && o.queued.id == id
	}, 5*time.Second, time.Millisecond)
}

type submitResult struct {
	res Result
	err error
}

func submitAsync(o *Orchestrator, ctx context.Context, src protocol.PayloadSource) <-chan submitResult {
	ch := make(chan submitResult, 1)
	go func() {
		res, err := o.Submit(ctx, src)
		ch <- submitResult{res, err}
	}()
	return ch
}

func TestQueuedRequestIsSupersededAndInFlightIsStale(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	a := newBlockingSource("a.glb")
	aDone := submitAsync(f.orch, ctx, a)
	<-a.started

	bDone := submitAsync(f.orch, ctx, payload("b.glb"))
	waitQueued(t, f.orch, 2)
	cDone := submitAsync(f.orch, ctx, payload("c.glb"))

	b := <-bDone
	assert.ErrorIs(t, b.err, ErrSuperseded)

	waitQueued(t, f.orch, 3)
	close(a.release)

	ra := <-aDone
	assert.ErrorIs(t, ra.err, ErrStale)

	rc := <-cDone
	require.NoError(t, rc.err)
	assert.Equal(t, uint64(3), rc.res.CycleID)

	assert.Equal(t, []string{"c.glb"}, f.renderer.added)
	assert.Equal(t, "c.glb", f.renderer.only(t).AssetReference)
	assert.ElementsMatch(t, []string{OutcomeSuperseded, OutcomeStale, OutcomeSuccess}, f.observer.outcomes)
}

func TestCancelledQueuedRequestDoesNotStaleInFlight(t *testing.T) {
	f := newFixture()

	a := newBlockingSource("a.glb")
	aDone := submitAsync(f.orch, context.Background(), a)
	<-a.started

	ctx, cancel := context.WithCancel(context.Background())
	bDone := submitAsync(f.orch, ctx, payload("b.glb"))
	waitQueued(t, f.orch, 2)
	cancel()
	assert.ErrorIs(t, (<-bDone).err, context.Canceled)

	close(a.release)
	ra := <-aDone
	require.NoError(t, ra.err)
	assert.Equal(t, "a.glb", f.renderer.only(t).AssetReference)
}

type countingSource struct {
	active, peak *atomic.Int32
	asset        string
}

func (c countingSource) Payload(context.Context) (protocol.SyncPayload, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	return payload(c.asset), nil
}

func TestCyclesNeverOverlap(t *testing.T) {
	f := newFixture()
	var active, peak atomic.Int32

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.orch.Submit(context.Background(), countingSource{&active, &peak, fmt.Sprintf("m%d.glb", i)})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrSuperseded), errors.Is(err, ErrStale):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	assert.GreaterOrEqual(t, ok.Load(), int32(1))
	f.renderer.only(t)
}

func TestUserMessage(t *testing.T) {
	assert.Empty(t, UserMessage(nil))
	assert.Contains(t, UserMessage(fmt.Errorf("build: %w", geodesy.ErrAnchorNotSet)), "anchor")
	assert.Contains(t, UserMessage(cad.ErrNoSourceGeometry), "export layer")
	assert.Contains(t, UserMessage(cad.ErrExportFailed), "could not be exported")
	assert.Contains(t, UserMessage(fmt.Errorf("post: %w", transport.ErrTransportUnavailable)), "connect")
	assert.Contains(t, UserMessage(ErrSuperseded), "newer")
	assert.Contains(t, UserMessage(context.DeadlineExceeded), "timed out")
	assert.Equal(t, "Sync failed: boom", UserMessage(errors.New("boom")))
}
