package anchor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kwv/worldlock/mesh"
)

// AdjustmentSink receives the frame that maps spongy content into the
// pinned frame, once per tick
type AdjustmentSink interface {
	ApplyAdjustment(frame mesh.Pose) error
}

// PinPublisher is told about the pin list after every change
type PinPublisher interface {
	PublishPins(pins []PinStatus) error
}

// ErrSessionStopped is returned by Submit once Run has returned
var ErrSessionStopped = errors.New("session stopped")

const (
	ioTimeout      = 10 * time.Second
	commandBacklog = 32
)

// SessionOptions mirror the worldLock config section
type SessionOptions struct {
	AutoLoad         bool
	AutoSave         bool
	AutoSaveInterval time.Duration
	AutoRefreeze     bool
	AutoMerge        bool
	NoPitchAndRoll   bool
	TickInterval     time.Duration
	HeadStaleAfter   time.Duration // 0 disables
}

// SessionOptionsFromConfig converts the worldLock config section
func SessionOptionsFromConfig(cfg WorldLockConfig) SessionOptions {
	return SessionOptions{
		AutoLoad:         cfg.AutoLoadEnabled(),
		AutoSave:         cfg.AutoSaveEnabled(),
		AutoSaveInterval: cfg.AutoSaveInterval,
		AutoRefreeze:     cfg.AutoRefreezeEnabled(),
		AutoMerge:        cfg.AutoMergeEnabled(),
		NoPitchAndRoll:   cfg.NoPitchAndRoll,
		TickInterval:     cfg.TickInterval,
		HeadStaleAfter:   10 * cfg.TickInterval,
	}
}

// PinStatus describes one pin for reporting
type PinStatus struct {
	Name       string     `json:"name"`
	AnchorID   AnchorID   `json:"anchorId"`
	FragmentID FragmentID `json:"fragmentId"`
	Active     bool       `json:"active"`
	Virtual    mesh.Pose  `json:"virtual"`
	Locked     mesh.Pose  `json:"locked"`
}

// Snapshot is a copy of the session state taken after a tick
type Snapshot struct {
	Timestamp        time.Time   `json:"timestamp"`
	Ticks            uint64      `json:"ticks"`
	Tracking         bool        `json:"tracking"`
	Loading          bool        `json:"loading"`
	FragmentID       FragmentID  `json:"fragmentId"`
	Fragments        int         `json:"fragments"`
	PendingPoints    int         `json:"pendingPoints"`
	ActivePins       int         `json:"activePins"`
	SpongyHead       mesh.Pose   `json:"spongyHead"`
	LockedHead       mesh.Pose   `json:"lockedHead"`
	LockedFromSpongy mesh.Pose   `json:"lockedFromSpongy"`
	PinnedFromLocked mesh.Pose   `json:"pinnedFromLocked"`
	Adjustment       mesh.Pose   `json:"adjustment"`
	Pins             []PinStatus `json:"pins"`
	LastSave         time.Time   `json:"lastSave"`
}

type ioResult struct {
	op      string
	records map[string]PoseRecord
	err     error
}

// Session drives the per-tick update: fragment bookkeeping, pin blending
// and delivery of the resulting frame. Update, Reset and the command
// handlers run on one goroutine (Run's); Snapshot, Submit and Enqueue are
// safe from any goroutine.
type Session struct {
	opts      SessionOptions
	engine    Engine
	tracker   Tracker
	notifier  *Notifier
	fragments *FragmentManager
	alignment *AlignmentManager
	head      *HeadTracker
	sink      AdjustmentSink
	pins      PinPublisher

	commands chan Command
	done     chan struct{}
	stopOnce sync.Once

	ioBusy      atomic.Bool
	ioResults   chan ioResult
	loadPending bool
	lastSave    time.Time
	sinkFailing bool

	ticks            uint64
	tracking         bool
	spongyHead       mesh.Pose
	lockedHead       mesh.Pose
	lockedFromSpongy mesh.Pose

	mu       sync.RWMutex
	snapshot Snapshot
}

// NewSession wires the fragment and alignment managers to engine and tracker.
// store may be nil, in which case pins are not persisted.
func NewSession(engine Engine, tracker Tracker, store PoseStore, opts SessionOptions) *Session {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 50 * time.Millisecond
	}
	if opts.AutoSaveInterval <= 0 {
		opts.AutoSaveInterval = 30 * time.Second
	}

	notifier := NewNotifier()
	fragments := NewFragmentManager(engine, notifier)
	s := &Session{
		opts:             opts,
		engine:           engine,
		tracker:          tracker,
		notifier:         notifier,
		fragments:        fragments,
		alignment:        NewAlignmentManager(fragments, NewPoseDB(store), notifier),
		head:             NewHeadTracker(),
		commands:         make(chan Command, commandBacklog),
		done:             make(chan struct{}),
		ioResults:        make(chan ioResult, 1),
		spongyHead:       mesh.Identity(),
		lockedHead:       mesh.Identity(),
		lockedFromSpongy: mesh.Identity(),
	}
	notifier.OnLoad(s.alignment.RestoreAll)
	s.snapshot = s.buildSnapshot(time.Now())
	return s
}

// Notifier returns the event fan-out; subscribe before Run
func (s *Session) Notifier() *Notifier { return s.notifier }

// Head returns the viewer pose input
func (s *Session) Head() *HeadTracker { return s.head }

// Fragments returns the fragment manager. Only use it on the update goroutine.
func (s *Session) Fragments() *FragmentManager { return s.fragments }

// Alignment returns the alignment manager. Only use it on the update goroutine.
func (s *Session) Alignment() *AlignmentManager { return s.alignment }

// SetSink sets where the per-tick frame goes; call before Run
func (s *Session) SetSink(sink AdjustmentSink) { s.sink = sink }

// SetPinPublisher sets who hears about pin changes; call before Run
func (s *Session) SetPinPublisher(p PinPublisher) { s.pins = p }

// Snapshot returns the state as of the last tick or command
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snapshot
	snap.Pins = append([]PinStatus(nil), s.snapshot.Pins...)
	return snap
}

// Update runs one tick
func (s *Session) Update(now time.Time, spongyHead mesh.Pose, tracking bool) {
	s.ticks++
	s.spongyHead = spongyHead
	s.drainIO()
	if s.loadPending {
		ticksTotal.WithLabelValues("loading").Inc()
		s.publishSnapshot(now)
		return
	}

	s.tracking = s.tracker.Step(spongyHead, tracking)
	if !s.tracking {
		s.fragments.Pause()
		ticksTotal.WithLabelValues("paused").Inc()
		s.publishSnapshot(now)
		return
	}

	s.fragments.Update(s.opts.AutoRefreeze, s.opts.AutoMerge)

	lockedFromSpongy := s.tracker.LockedFromSpongy()
	if s.opts.NoPitchAndRoll {
		lockedFromSpongy.Rotation = mesh.YawOnly(lockedFromSpongy.Rotation)
	}
	s.lockedFromSpongy = lockedFromSpongy
	s.lockedHead = mesh.Multiply(lockedFromSpongy, spongyHead)

	pinnedFromLocked := s.alignment.ComputePose(s.lockedHead)
	s.deliver(mesh.Multiply(pinnedFromLocked, lockedFromSpongy))

	if s.opts.AutoSave && s.alignment.NeedSave() && now.Sub(s.lastSave) >= s.opts.AutoSaveInterval {
		s.SaveAsync()
	}

	ticksTotal.WithLabelValues("updated").Inc()
	s.publishSnapshot(now)
}

func (s *Session) deliver(frame mesh.Pose) {
	if s.sink == nil {
		return
	}
	err := s.sink.ApplyAdjustment(frame)
	switch {
	case err != nil && !s.sinkFailing:
		log.Printf("[SESSION] adjustment delivery failing: %v", err)
		s.sinkFailing = true
	case err == nil && s.sinkFailing:
		log.Println("[SESSION] adjustment delivery recovered")
		s.sinkFailing = false
	}
}

// Reset drops every pin and fragment and restarts the tracker
func (s *Session) Reset() {
	log.Println("[SESSION] reset")
	s.alignment.ClearAlignmentAnchors()
	s.alignment.SendAlignmentAnchors()
	s.fragments.Reset()
	s.tracker.Reset()
	s.lockedFromSpongy = mesh.Identity()
	s.lockedHead = s.spongyHead
	s.pinsChanged()
}

// SaveAsync writes the pin table in the background. It returns false when
// another save or load is still running or there is no store.
func (s *Session) SaveAsync() bool {
	store := s.alignment.PoseDB().Store()
	if store == nil {
		return false
	}
	if !s.ioBusy.CompareAndSwap(false, true) {
		log.Println("[SESSION] save skipped: store busy")
		return false
	}
	records := s.alignment.StageSave()
	s.lastSave = time.Now()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		defer cancel()
		err := store.SavePoses(ctx, records)
		if err != nil {
			err = fmt.Errorf("saving poses: %w", err)
		}
		s.ioResults <- ioResult{op: "save", err: err}
	}()
	return true
}

// LoadAsync reads the pin table in the background. Ticks are skipped until
// the result has been applied.
func (s *Session) LoadAsync() bool {
	store := s.alignment.PoseDB().Store()
	if store == nil {
		return false
	}
	if !s.ioBusy.CompareAndSwap(false, true) {
		log.Println("[SESSION] load skipped: store busy")
		return false
	}
	s.loadPending = true

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		defer cancel()
		records, err := store.LoadPoses(ctx)
		if err != nil {
			err = fmt.Errorf("loading poses: %w", err)
		}
		s.ioResults <- ioResult{op: "load", records: records, err: err}
	}()
	return true
}

// IOBusy reports whether a save or load is in flight
func (s *Session) IOBusy() bool {
	return s.ioBusy.Load()
}

// drainIO applies a finished save or load without blocking
func (s *Session) drainIO() {
	select {
	case res := <-s.ioResults:
		s.applyIO(res)
	default:
	}
}

// WaitIO blocks until an in-flight save or load completes and applies it
func (s *Session) WaitIO(ctx context.Context) error {
	if !s.ioBusy.Load() {
		return nil
	}
	select {
	case res := <-s.ioResults:
		s.applyIO(res)
		return res.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) applyIO(res ioResult) {
	defer s.ioBusy.Store(false)
	observeStoreOp(res.op, res.err)

	switch res.op {
	case "save":
		if res.err != nil {
			log.Printf("[SESSION] %v", res.err)
			s.alignment.MarkUnsaved()
			return
		}
		log.Printf("[SESSION] saved %d pins", s.alignment.PoseDB().Len())
	case "load":
		s.loadPending = false
		if res.err != nil {
			log.Printf("[SESSION] %v", res.err)
			return
		}
		if res.records == nil {
			log.Println("[SESSION] no stored pins")
			return
		}
		s.alignment.ApplyLoaded(res.records)
		log.Printf("[SESSION] loaded %d pins", len(res.records))
		s.pinsChanged()
	}
}

// Enqueue hands a command to the update goroutine without waiting.
// It returns false when the backlog is full.
func (s *Session) Enqueue(cmd Command) bool {
	select {
	case s.commands <- cmd:
		return true
	default:
		log.Printf("[SESSION] command %s dropped: backlog full", cmd.Kind)
		return false
	}
}

// Submit hands a command to the update goroutine and waits for its result
func (s *Session) Submit(ctx context.Context, cmd Command) (CommandResult, error) {
	if err := cmd.Validate(); err != nil {
		return CommandResult{}, err
	}
	cmd.reply = make(chan CommandResult, 1)
	select {
	case s.commands <- cmd:
	case <-s.done:
		return CommandResult{}, ErrSessionStopped
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res, nil
	case <-s.done:
		return CommandResult{}, ErrSessionStopped
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	}
}

// Run ticks the session off the head tracker until ctx is done. Pending
// pin changes are saved before it returns.
func (s *Session) Run(ctx context.Context) error {
	defer s.stopOnce.Do(func() { close(s.done) })

	if s.opts.AutoLoad {
		s.LoadAsync()
	}

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	log.Printf("[SESSION] running, tick %v", s.opts.TickInterval)
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case cmd := <-s.commands:
			s.execute(cmd)
		case now := <-ticker.C:
			sample := s.head.Current(now, s.opts.HeadStaleAfter)
			s.Update(now, sample.Pose, sample.Tracking)
		}
	}
}

func (s *Session) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	if err := s.WaitIO(ctx); err != nil {
		log.Printf("[SESSION] pending IO at shutdown: %v", err)
	}
	if s.opts.AutoSave && s.alignment.NeedSave() && s.SaveAsync() {
		if err := s.WaitIO(ctx); err != nil {
			log.Printf("[SESSION] final save failed: %v", err)
		}
	}
	log.Println("[SESSION] stopped")
}

// Execute runs a command immediately; only call it on the update goroutine
func (s *Session) Execute(cmd Command) CommandResult {
	res := CommandResult{Command: cmd.Kind, OK: true}
	if err := cmd.Validate(); err != nil {
		res.OK = false
		res.Error = err.Error()
		return res
	}

	switch cmd.Kind {
	case CmdAddPin:
		var err error
		res.Name, res.AnchorID, err = s.addPin(cmd)
		if err != nil {
			res.OK = false
			res.Error = err.Error()
		}
	case CmdRemovePin:
		res.OK = s.removePin(cmd)
		res.Name, res.AnchorID = cmd.Name, cmd.AnchorID
		if !res.OK {
			res.Error = "pin not found"
		}
	case CmdClearPins:
		s.alignment.ClearAlignmentAnchors()
		s.alignment.SendAlignmentAnchors()
		s.pinsChanged()
	case CmdSave:
		res.OK = s.SaveAsync()
	case CmdLoad:
		res.OK = s.LoadAsync()
	case CmdReset:
		s.Reset()
	case CmdRefreeze:
		if r, ok := s.engine.(interface{ RequestRefreeze() }); ok {
			r.RequestRefreeze()
		}
		res.OK = s.fragments.Refreeze()
	}
	if !res.OK && res.Error == "" {
		res.Error = fmt.Sprintf("%s not performed", cmd.Kind)
	}
	s.publishSnapshot(time.Now())
	return res
}

func (s *Session) execute(cmd Command) {
	res := s.Execute(cmd)
	if !res.OK {
		log.Printf("[SESSION] %s: %s", cmd.Kind, res.Error)
	}
	if cmd.reply != nil {
		cmd.reply <- res
	}
}

func (s *Session) addPin(cmd Command) (string, AnchorID, error) {
	name := cmd.Name
	if name == "" {
		name = newPinName()
	}

	locked := s.lockedHead
	if cmd.Locked != nil {
		locked = *cmd.Locked
	}
	virtual := locked
	if cmd.Virtual != nil {
		virtual = *cmd.Virtual
	}

	// Check before replacing so a refused pin leaves the old one in place
	if err := s.alignment.CheckPlacement(locked, name); err != nil {
		return name, InvalidAnchor, err
	}
	if existing, ok := s.alignment.FindByName(name); ok {
		s.alignment.RemoveAlignmentAnchor(existing.AnchorID)
	}

	id, err := s.alignment.AddAlignmentAnchor(name, virtual, locked)
	if err != nil {
		return name, InvalidAnchor, err
	}
	s.alignment.SendAlignmentAnchors()
	log.Printf("[SESSION] pin %q added as anchor %d", name, id)
	s.pinsChanged()
	return name, id, nil
}

func (s *Session) removePin(cmd Command) bool {
	id := cmd.AnchorID
	if cmd.Name != "" {
		ref, ok := s.alignment.FindByName(cmd.Name)
		if !ok {
			return false
		}
		id = ref.AnchorID
	}
	if !s.alignment.RemoveAlignmentAnchor(id) {
		return false
	}
	s.pinsChanged()
	return true
}

func (s *Session) pinsChanged() {
	if s.pins == nil {
		return
	}
	if err := s.pins.PublishPins(s.pinStatus()); err != nil {
		log.Printf("[SESSION] publishing pins: %v", err)
	}
}

func (s *Session) pinStatus() []PinStatus {
	active := make(map[AnchorID]bool)
	for _, r := range s.alignment.ActivePoses() {
		active[r.AnchorID] = true
	}
	refs := s.alignment.ReferencePoses()
	out := make([]PinStatus, 0, len(refs))
	for _, r := range refs {
		out = append(out, PinStatus{
			Name:       r.Name,
			AnchorID:   r.AnchorID,
			FragmentID: r.FragmentID,
			Active:     active[r.AnchorID],
			Virtual:    r.VirtualPose,
			Locked:     r.LockedPose,
		})
	}
	return out
}

func (s *Session) buildSnapshot(now time.Time) Snapshot {
	pinned := s.alignment.PinnedFromLocked()
	return Snapshot{
		Timestamp:        now,
		Ticks:            s.ticks,
		Tracking:         s.tracking,
		Loading:          s.loadPending,
		FragmentID:       s.fragments.CurrentFragmentID(),
		Fragments:        len(s.fragments.FragmentIDs()),
		PendingPoints:    s.fragments.PendingCount(),
		ActivePins:       s.alignment.ActiveCount(),
		SpongyHead:       s.spongyHead,
		LockedHead:       s.lockedHead,
		LockedFromSpongy: s.lockedFromSpongy,
		PinnedFromLocked: pinned,
		Adjustment:       mesh.Multiply(pinned, s.lockedFromSpongy),
		Pins:             s.pinStatus(),
		LastSave:         s.lastSave,
	}
}

func (s *Session) publishSnapshot(now time.Time) {
	snap := s.buildSnapshot(now)
	fragmentsGauge.Set(float64(snap.Fragments))
	activePinsGauge.Set(float64(snap.ActivePins))

	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
}
