// Package orchestrator runs sync cycles one at a time: payload, transform,
// placement and clipping, then the renderer handoff.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"geosync/internal/clipping"
	"geosync/internal/placement"
	"geosync/internal/protocol"
)

var (
	// ErrSuperseded is returned to a queued request replaced by a newer one
	// before it started.
	ErrSuperseded = errors.New("sync superseded by a newer request")

	// ErrStale is returned when a cycle's result is discarded because a
	// newer request or payload exists.
	ErrStale = errors.New("sync result is stale")
)

// State is the stage of the current cycle.
type State int

const (
	Idle State = iota
	Exporting
	Transformed
	Placed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Exporting:
		return "exporting"
	case Transformed:
		return "transformed"
	case Placed:
		return "placed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for st := Idle; st <= Failed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// StateChange is delivered to listeners on every transition.
// Message is the user-facing form of Err.
type StateChange struct {
	CycleID uint64 `json:"cycleId"`
	State   State  `json:"state"`
	Err     error  `json:"-"`
	Message string `json:"error,omitempty"`
}

// Placer resolves a placement request. *placement.Resolver implements it.
type Placer interface {
	Resolve(ctx context.Context, req placement.Request) placement.PlacedAsset
}

// SceneUpdater swaps the placed asset. *placement.Scene implements it.
type SceneUpdater interface {
	Replace(ctx context.Context, asset placement.PlacedAsset, loops []clipping.Loop) error
}

// Observer receives timing and outcome data, typically for metrics.
type Observer interface {
	ObserveStage(stage State, d time.Duration)
	ObserveCycle(outcome string, d time.Duration)
	ObserveClipping(loops, dropped int)
}

// Cycle outcomes reported to the Observer.
const (
	OutcomeSuccess    = "success"
	OutcomeFailed     = "failed"
	OutcomeStale      = "stale"
	OutcomeSuperseded = "superseded"
)

// Result describes a committed cycle.
type Result struct {
	CycleID  uint64
	Sequence uint64
	Asset    placement.PlacedAsset
	Loops    []clipping.Loop
	Dropped  int
}

// Status is a snapshot for the state endpoint.
type Status struct {
	State        State  `json:"state"`
	CycleID      uint64 `json:"cycleId"`
	LastCycleID  uint64 `json:"lastCommittedCycleId"`
	LastSequence uint64 `json:"lastSequence"`
	LastError    string `json:"lastError,omitempty"`
}

type outcome struct {
	result Result
	err    error
}

type request struct {
	ctx  context.Context
	id   uint64
	src  protocol.PayloadSource
	done chan outcome
}

// Orchestrator accepts sync requests and runs at most one cycle at a time.
// One further request may wait; a newer one replaces it.
type Orchestrator struct {
	placer   Placer
	scene    SceneUpdater
	observer Observer

	nextID atomic.Uint64

	mu        sync.Mutex
	running   bool
	queued    *request
	state     State
	cycleID   uint64
	lastCycle uint64
	lastSeq   uint64
	lastErr   error
	listeners []func(StateChange)
}

// New creates an orchestrator. observer may be nil.
func New(placer Placer, scene SceneUpdater, observer Observer) *Orchestrator {
	return &Orchestrator{placer: placer, scene: scene, observer: observer}
}

// OnStateChange registers fn for every state transition. fn runs on the
// cycle goroutine and must not block.
func (o *Orchestrator) OnStateChange(fn func(StateChange)) {
	o.mu.Lock()
	o.listeners = append(o.listeners, fn)
	o.mu.Unlock()
}

// Status returns the current snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Status{State: o.state, CycleID: o.cycleID, LastCycleID: o.lastCycle, LastSequence: o.lastSeq}
	if o.lastErr != nil {
		s.LastError = UserMessage(o.lastErr)
	}
	return s
}

// Submit runs a sync cycle for src and waits for its outcome. When a cycle
// is in flight the request waits; a waiting request that gets replaced
// returns ErrSuperseded.
func (o *Orchestrator) Submit(ctx context.Context, src protocol.PayloadSource) (Result, error) {
	req := &request{
		ctx:  ctx,
		id:   o.nextID.Add(1),
		src:  src,
		done: make(chan outcome, 1),
	}

	o.mu.Lock()
	if prev := o.queued; prev != nil {
		log.Printf("[Sync] Cycle %d superseded by %d", prev.id, req.id)
		prev.done <- outcome{err: ErrSuperseded}
		o.observeCycle(OutcomeSuperseded, 0)
	}
	o.queued = req
	if !o.running {
		o.running = true
		go o.drain()
	}
	o.mu.Unlock()

	select {
	case out := <-req.done:
		return out.result, out.err
	case <-ctx.Done():
		o.mu.Lock()
		if o.queued == req {
			o.queued = nil
		}
		o.mu.Unlock()
		// A running cycle sees the same ctx and stops at its next check.
		return Result{}, ctx.Err()
	}
}

func (o *Orchestrator) drain() {
	for {
		o.mu.Lock()
		req := o.queued
		o.queued = nil
		if req == nil {
			o.running = false
			o.mu.Unlock()
			return
		}
		o.mu.Unlock()

		if err := req.ctx.Err(); err != nil {
			req.done <- outcome{err: err}
			continue
		}
		res, err := o.run(req)
		req.done <- outcome{result: res, err: err}
	}
}

func (o *Orchestrator) run(req *request) (Result, error) {
	start := time.Now()
	ctx := req.ctx

	o.transition(req.id, Exporting, nil)
	payload, err := req.src.Payload(ctx)
	if err == nil {
		err = payload.Validate()
	}
	o.observeStage(Exporting, start)
	if err != nil {
		return o.fail(req.id, start, err)
	}

	stageStart := time.Now()
	loops, dropped := clipping.ParseFlatLoops(payload.ClippingPolygons)
	if dropped > 0 {
		log.Printf("[Sync] Cycle %d: dropped %d degenerate clipping polygons", req.id, dropped)
	}
	if err := o.checkCurrent(req.id, payload.Sequence); err != nil {
		return o.fail(req.id, start, err)
	}
	o.transition(req.id, Transformed, nil)
	o.observeStage(Transformed, stageStart)

	stageStart = time.Now()
	asset := o.placer.Resolve(ctx, placement.Request{
		AssetReference:  payload.Asset(),
		Position:        payload.Position.GeodeticPoint(),
		ModelHeadingDeg: payload.ModelHeading(),
		CycleID:         req.id,
	})
	if err := ctx.Err(); err != nil {
		return o.fail(req.id, start, err)
	}
	if err := o.checkCurrent(req.id, payload.Sequence); err != nil {
		return o.fail(req.id, start, err)
	}

	if err := o.scene.Replace(ctx, asset, loops); err != nil {
		return o.fail(req.id, start, fmt.Errorf("failed to update scene: %w", err))
	}
	o.observeStage(Placed, stageStart)
	if o.observer != nil {
		o.observer.ObserveClipping(len(loops), dropped)
	}

	o.mu.Lock()
	o.lastCycle = req.id
	if payload.Sequence > o.lastSeq {
		o.lastSeq = payload.Sequence
	}
	o.lastErr = nil
	o.mu.Unlock()

	o.transition(req.id, Placed, nil)
	o.transition(req.id, Idle, nil)
	o.observeCycle(OutcomeSuccess, time.Since(start))

	log.Printf("[Sync] Cycle %d placed %s at (%.6f, %.6f, %.2f m), heading %.1f, %d clipping loops",
		req.id, asset.AssetReference, asset.Position.Lat, asset.Position.Lon, asset.Position.Height,
		asset.Orientation.HeadingDeg, len(loops))

	return Result{CycleID: req.id, Sequence: payload.Sequence, Asset: asset, Loops: loops, Dropped: dropped}, nil
}

// checkCurrent fails with ErrStale when a newer request is waiting or the
// payload is older than the last committed one.
func (o *Orchestrator) checkCurrent(id, seq uint64) error {
	o.mu.Lock()
	pending := o.queued
	last := o.lastSeq
	o.mu.Unlock()
	if pending != nil {
		return fmt.Errorf("%w: cycle %d, newer request %d pending", ErrStale, id, pending.id)
	}
	if seq != 0 && seq <= last {
		return fmt.Errorf("%w: payload #%d is not newer than #%d", ErrStale, seq, last)
	}
	return nil
}

func (o *Orchestrator) fail(id uint64, start time.Time, err error) (Result, error) {
	outcomeName := OutcomeFailed
	if errors.Is(err, ErrStale) {
		outcomeName = OutcomeStale
		log.Printf("[Sync] Cycle %d discarded: %v", id, err)
	} else {
		log.Printf("[Sync] Cycle %d failed: %v", id, err)
		o.mu.Lock()
		o.lastErr = err
		o.mu.Unlock()
	}
	o.transition(id, Failed, err)
	o.transition(id, Idle, nil)
	o.observeCycle(outcomeName, time.Since(start))
	return Result{CycleID: id}, err
}

func (o *Orchestrator) transition(id uint64, s State, err error) {
	o.mu.Lock()
	o.state = s
	o.cycleID = id
	listeners := append([]func(StateChange){}, o.listeners...)
	o.mu.Unlock()

	change := StateChange{CycleID: id, State: s, Err: err}
	if err != nil {
		change.Message = UserMessage(err)
	}
	for _, fn := range listeners {
		fn(change)
	}
}

func (o *Orchestrator) observeStage(s State, start time.Time) {
	if o.observer != nil {
		o.observer.ObserveStage(s, time.Since(start))
	}
}

func (o *Orchestrator) observeCycle(name string, d time.Duration) {
	if o.observer != nil {
		o.observer.ObserveCycle(name, d)
	}
}
