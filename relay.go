package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"
)

var (
	ErrInteractionActive = errors.New("an interaction is in progress")
	ErrEmptyInput        = errors.New("empty input")
	ErrSessionExists     = errors.New("session already exists")
)

// PollConfig holds the fixed sleeps of an ask cycle.
type PollConfig struct {
	Interval    time.Duration `mapstructure:"interval"`     // between captures
	InitialWait time.Duration `mapstructure:"initial_wait"` // after submission, before the first capture
	ClearDelay  time.Duration `mapstructure:"clear_delay"`  // after clearing the input line
	SubmitDelay time.Duration `mapstructure:"submit_delay"` // between typing the input and confirming it
	LaunchWait  time.Duration `mapstructure:"launch_wait"`  // after launching the CLI
}

func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval:    2 * time.Second,
		InitialWait: 5 * time.Second,
		ClearDelay:  500 * time.Millisecond,
		SubmitDelay: 200 * time.Millisecond,
		LaunchWait:  8 * time.Second,
	}
}

// RelayConfig is everything the poll loop needs besides its collaborators.
type RelayConfig struct {
	Rules           Rules
	Tracker         TrackerConfig
	Poll            PollConfig
	ChunkLimit      int
	FallbackMessage string
	CLICommand      string
	PaneCols        int
	PaneRows        int
}

// InteractionSession is the state of one ask cycle. It is owned by the
// Ask call that created it.
type InteractionSession struct {
	ID           string
	Target       Target
	Input        string
	StartedAt    time.Time
	Tick         int
	LastSnapshot string
	Tracker      *Tracker
	Delivery     *DeliveryState
}

// Result summarises a finished interaction.
type Result struct {
	ID       string
	Target   Target
	Ticks    int
	Reason   StopReason
	Segments int
	Stats    DeliveryStats
	Fallback bool
	Elapsed  time.Duration
}

// ActiveInfo describes the interaction in flight, for status displays.
type ActiveInfo struct {
	ID        string
	Target    Target
	Input     string
	Tick      int
	StartedAt time.Time
}

// Relay runs ask cycles against one CLI. At most one interaction runs per
// process: mu is held from submission to termination, and the target can
// only change while mu is free.
type Relay struct {
	backend Backend
	cfg     RelayConfig
	store   TargetStore
	sleep   func(context.Context, time.Duration) error

	mu sync.Mutex

	stateMu sync.Mutex
	target  Target
	active  *InteractionSession
	cancel  context.CancelFunc
}

// NewRelay returns a relay for target. A session name remembered by store
// takes precedence over target.Session.
func NewRelay(backend Backend, cfg RelayConfig, store TargetStore, target Target) *Relay {
	if store != nil {
		if name, ok := store.Load(); ok {
			target = Target{Session: name, Window: "0"}
		}
	}
	return &Relay{
		backend: backend,
		cfg:     cfg,
		store:   store,
		sleep:   sleepCtx,
		target:  target,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Target returns the current target.
func (r *Relay) Target() Target {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.target
}

// SetTarget switches the target and remembers its session name. It fails
// with ErrInteractionActive while an interaction is running.
func (r *Relay) SetTarget(ctx context.Context, t Target) error {
	if !r.mu.TryLock() {
		return ErrInteractionActive
	}
	defer r.mu.Unlock()

	r.stateMu.Lock()
	r.target = t
	r.stateMu.Unlock()

	if r.store != nil {
		if err := r.store.Save(t.Session); err != nil {
			pslog.Ctx(ctx).Warn("remember target failed", "target", t.String(), "err", err)
		}
	}
	return nil
}

// Active reports the interaction in flight, if any.
func (r *Relay) Active() (ActiveInfo, bool) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.active == nil {
		return ActiveInfo{}, false
	}
	return ActiveInfo{
		ID:        r.active.ID,
		Target:    r.active.Target,
		Input:     r.active.Input,
		Tick:      r.active.Tick,
		StartedAt: r.active.StartedAt,
	}, true
}

// Prepare makes sure the current target exists and runs the CLI.
func (r *Relay) Prepare(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureActive(ctx, r.Target())
}

// ensureActive creates the target when missing, sizes the pane, and
// launches the CLI when its ready glyph is nowhere on screen.
func (r *Relay) ensureActive(ctx context.Context, t Target) error {
	log := pslog.Ctx(ctx)
	if !r.backend.HasSession(ctx, t) {
		log.Info("creating target", "target", t.String())
		if err := r.backend.NewSession(ctx, t); err != nil {
			return fmt.Errorf("create %s: %w", t, err)
		}
		if err := r.sleep(ctx, time.Second); err != nil {
			return err
		}
	}

	if r.cfg.PaneCols > 0 && r.cfg.PaneRows > 0 {
		r.backend.Resize(ctx, t, r.cfg.PaneCols, r.cfg.PaneRows)
		if err := r.sleep(ctx, r.cfg.Poll.ClearDelay); err != nil {
			return err
		}
	}

	if r.cfg.CLICommand == "" {
		return nil
	}
	pane := r.backend.Capture(ctx, t)
	if strings.Contains(pane, r.cfg.Rules.ReadyGlyph) {
		return nil
	}
	log.Info("launching cli", "target", t.String(), "command", r.cfg.CLICommand)
	r.launch(ctx, t)
	return r.sleep(ctx, r.cfg.Poll.LaunchWait)
}

func (r *Relay) launch(ctx context.Context, t Target) {
	r.backend.SendKeys(ctx, t, KeyInterrupt, KeyClearLine)
	r.backend.SendText(ctx, t, r.cfg.CLICommand)
	r.backend.SendKeys(ctx, t, KeyEnter)
}

// submit clears the input line, types input and confirms it.
func (r *Relay) submit(ctx context.Context, t Target, input string) error {
	r.backend.SendKeys(ctx, t, KeyInterrupt, KeyClearLine)
	if err := r.sleep(ctx, r.cfg.Poll.ClearDelay); err != nil {
		return err
	}
	r.backend.SendText(ctx, t, input)
	if err := r.sleep(ctx, r.cfg.Poll.SubmitDelay); err != nil {
		return err
	}
	r.backend.SendKeys(ctx, t, KeyEnter)
	return nil
}

// Ask submits input to the current target and relays the response to sink
// until the CLI is ready again or a ceiling is reached. Concurrent calls
// queue on the relay lock.
func (r *Relay) Ask(ctx context.Context, input string, sink Sink) (Result, error) {
	if strings.TrimSpace(input) == "" {
		return Result{}, ErrEmptyInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := &InteractionSession{
		ID:        uuid.NewString(),
		Target:    r.Target(),
		Input:     input,
		StartedAt: time.Now(),
		Tracker:   NewTracker(r.cfg.Tracker),
		Delivery:  NewDeliveryState(),
	}
	r.stateMu.Lock()
	r.active, r.cancel = sess, cancel
	r.stateMu.Unlock()
	defer func() {
		r.stateMu.Lock()
		r.active, r.cancel = nil, nil
		r.stateMu.Unlock()
	}()

	log := pslog.Ctx(ctx).With("interaction", sess.ID, "target", sess.Target.String())
	ctx = pslog.ContextWithLogger(ctx, log)
	log.Info("interaction started", "input_len", len(input))

	res := Result{ID: sess.ID, Target: sess.Target}
	if err := r.ensureActive(ctx, sess.Target); err != nil {
		return res, err
	}
	if err := r.submit(ctx, sess.Target, input); err != nil {
		return res, err
	}
	sess.Tracker.Prime(r.backend.Capture(ctx, sess.Target))

	deliverer := NewDeliverer(sink, sess.Delivery, r.cfg.ChunkLimit, log)
	var segments []Segment
	d := Decision{}
	if err := r.sleep(ctx, r.cfg.Poll.InitialWait); err != nil {
		d = sess.Tracker.Cancel()
	}
	for !d.Done {
		if err := r.sleep(ctx, r.cfg.Poll.Interval); err != nil {
			d = sess.Tracker.Cancel()
			break
		}
		snapshot := r.backend.Capture(ctx, sess.Target)
		hasPrompt := r.cfg.Rules.HasReadyPrompt(snapshot, r.cfg.Tracker.PromptWindow)
		d = sess.Tracker.Observe(snapshot, hasPrompt)
		r.setTick(sess, d.Tick)
		if d.Skipped {
			continue
		}
		sess.LastSnapshot = snapshot

		if d.Reconfirm {
			log.Info("submission not acknowledged, confirming again", "tick", d.Tick)
			r.backend.SendKeys(ctx, sess.Target, KeyEnter)
		}

		// Deliver before acting on Done so the final state of the last
		// segment goes out on the terminating tick.
		segments = r.cfg.Rules.Extract(snapshot, input)
		deliverer.Sync(ctx, segments)
	}

	res.Ticks = d.Tick
	res.Reason = d.Reason
	res.Segments = len(segments)
	if d.Reason != StopCancelled && sess.Delivery.CreatedCount() == 0 && r.cfg.FallbackMessage != "" {
		if _, err := sink.Create(ctx, r.cfg.FallbackMessage); err != nil {
			log.Warn("fallback delivery failed", "err", err)
		}
		res.Fallback = true
	}
	res.Stats = deliverer.Stats()
	res.Elapsed = time.Since(sess.StartedAt)

	log.Info("interaction finished",
		"reason", res.Reason.String(),
		"ticks", res.Ticks,
		"segments", res.Segments,
		"created", res.Stats.Created,
		"updated", res.Stats.Updated,
		"overflows", res.Stats.Overflows,
		"elapsed", res.Elapsed.Round(time.Millisecond).String(),
	)
	return res, nil
}

func (r *Relay) setTick(sess *InteractionSession, tick int) {
	r.stateMu.Lock()
	sess.Tick = tick
	r.stateMu.Unlock()
}

// Reset abandons the interaction in flight, if any, and restarts the CLI
// on the current target.
func (r *Relay) Reset(ctx context.Context) error {
	r.stateMu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.stateMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.Target()
	pslog.Ctx(ctx).Info("resetting cli", "target", t.String())
	if r.cfg.CLICommand != "" {
		r.launch(ctx, t)
	}
	return r.sleep(ctx, r.cfg.Poll.InitialWait)
}

// StopCLI asks the CLI on the current target to quit.
func (r *Relay) StopCLI(ctx context.Context) error {
	if !r.mu.TryLock() {
		return ErrInteractionActive
	}
	defer r.mu.Unlock()

	t := r.Target()
	r.backend.SendText(ctx, t, "/quit")
	r.backend.SendKeys(ctx, t, KeyEnter)
	return nil
}

// CreateSession starts a new session running the CLI and makes it the
// target.
func (r *Relay) CreateSession(ctx context.Context, name string) (Target, error) {
	t, err := ParseTarget(name)
	if err != nil {
		return Target{}, err
	}
	if !r.mu.TryLock() {
		return Target{}, ErrInteractionActive
	}
	defer r.mu.Unlock()

	if r.backend.HasSession(ctx, t) {
		return Target{}, fmt.Errorf("%w: %s", ErrSessionExists, t.Session)
	}
	if err := r.backend.NewSession(ctx, t); err != nil {
		return Target{}, fmt.Errorf("create %s: %w", t, err)
	}
	if err := r.sleep(ctx, time.Second); err != nil {
		return Target{}, err
	}
	if r.cfg.CLICommand != "" {
		r.launch(ctx, t)
	}

	r.stateMu.Lock()
	r.target = t
	r.stateMu.Unlock()
	if r.store != nil {
		if err := r.store.Save(t.Session); err != nil {
			pslog.Ctx(ctx).Warn("remember target failed", "target", t.String(), "err", err)
		}
	}
	pslog.Ctx(ctx).Info("session created", "target", t.String())
	return t, nil
}

// KillSession destroys a session. No session can be killed while an
// interaction runs.
func (r *Relay) KillSession(ctx context.Context, name string) error {
	if !r.mu.TryLock() {
		return ErrInteractionActive
	}
	defer r.mu.Unlock()

	if !r.backend.HasSession(ctx, Target{Session: name}) {
		return fmt.Errorf("%w: no session %q", ErrUnknownTarget, name)
	}
	if err := r.backend.KillSession(ctx, name); err != nil {
		return err
	}
	pslog.Ctx(ctx).Info("session killed", "session", name)
	return nil
}

// Sessions lists the backend's sessions.
func (r *Relay) Sessions(ctx context.Context) (string, error) {
	return r.backend.ListSessions(ctx)
}
