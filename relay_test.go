package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
)

// fakeBackend replays scripted captures and records input.
type fakeBackend struct {
	mu       sync.Mutex
	captures []string
	next     int
	sessions map[string]bool
	sent     []string
	killed   []string
}

func newFakeBackend(captures ...string) *fakeBackend {
	return &fakeBackend{
		captures: captures,
		sessions: map[string]bool{"gemini-bot": true},
	}
}

func (f *fakeBackend) Capture(context.Context, Target) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.captures) == 0 {
		return ""
	}
	if f.next >= len(f.captures) {
		return f.captures[len(f.captures)-1]
	}
	s := f.captures[f.next]
	f.next++
	return s
}

func (f *fakeBackend) SendText(_ context.Context, _ Target, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, "text:"+text)
}

func (f *fakeBackend) SendKeys(_ context.Context, _ Target, keys ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		f.sent = append(f.sent, "key:"+k)
	}
}

func (f *fakeBackend) HasSession(_ context.Context, t Target) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[t.Session]
}

func (f *fakeBackend) NewSession(_ context.Context, t Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[t.Session] = true
	return nil
}

func (f *fakeBackend) KillSession(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	f.killed = append(f.killed, name)
	return nil
}

func (f *fakeBackend) ListSessions(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.sessions {
		names = append(names, name)
	}
	return strings.Join(names, "\n"), nil
}

func (f *fakeBackend) Resize(context.Context, Target, int, int) {}

func (f *fakeBackend) sentInput() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeBackend) count(entry string) int {
	n := 0
	for _, s := range f.sentInput() {
		if s == entry {
			n++
		}
	}
	return n
}

type memStore struct {
	name  string
	saved []string
}

func (m *memStore) Load() (string, bool) { return m.name, m.name != "" }

func (m *memStore) Save(name string) error {
	m.name = name
	m.saved = append(m.saved, name)
	return nil
}

func testRelayConfig() RelayConfig {
	return RelayConfig{
		Rules:           DefaultRules(),
		Tracker:         DefaultTrackerConfig(),
		Poll:            DefaultPollConfig(),
		ChunkLimit:      2000,
		FallbackMessage: "no response",
	}
}

func newTestRelay(backend Backend, cfg RelayConfig, store TargetStore) *Relay {
	r := NewRelay(backend, cfg, store, Target{Session: "gemini-bot", Window: "0"})
	r.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return r
}

func testContext() context.Context {
	return pslog.ContextWithLogger(context.Background(), newTestLogger(io.Discard))
}

func TestRelayAskHello(t *testing.T) {
	final := "> hello\n✦ Hi there!\n* \n"
	backend := newFakeBackend("> hello", final, final)
	r := newTestRelay(backend, testRelayConfig(), nil)
	sink := newRecordingSink()

	res, err := r.Ask(testContext(), "hello", sink)
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if got := sink.messages(); len(got) != 1 || got[0] != "✦ Hi there!" {
		t.Errorf("messages = %q, want [✦ Hi there!]", got)
	}
	if res.Reason != StopReady || res.Ticks != 2 {
		t.Errorf("Result = %v after %d ticks, want ready after 2", res.Reason, res.Ticks)
	}
	if res.Stats.Created != 1 || res.Stats.Updated != 0 || res.Fallback {
		t.Errorf("Result = %+v, want one create and no fallback", res)
	}

	wantInput := []string{"key:C-c", "key:C-u", "text:hello", "key:Enter"}
	if got := backend.sentInput(); fmt.Sprint(got) != fmt.Sprint(wantInput) {
		t.Errorf("sent = %q, want %q", got, wantInput)
	}
	if _, busy := r.Active(); busy {
		t.Error("Active() after Ask reports an interaction")
	}
}

func TestRelayAskStreamsGrowth(t *testing.T) {
	backend := newFakeBackend(
		"> hello",
		"> hello\n✦ Hi",
		"> hello\n✦ Hi there!\n* ",
		"> hello\n✦ Hi there!\n* ",
	)
	r := newTestRelay(backend, testRelayConfig(), nil)
	sink := newRecordingSink()

	res, err := r.Ask(testContext(), "hello", sink)
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if got := sink.messages(); len(got) != 1 || got[0] != "✦ Hi there!" {
		t.Errorf("messages = %q, want [✦ Hi there!]", got)
	}
	if res.Stats.Created != 1 || res.Stats.Updated != 1 || res.Ticks != 3 {
		t.Errorf("Result = %+v, want 1 create, 1 update, 3 ticks", res)
	}
}

func TestRelayAskFallbackAndReconfirm(t *testing.T) {
	cfg := testRelayConfig()
	cfg.Tracker.StallThreshold = 3
	cfg.Tracker.TickCeiling = 8
	backend := newFakeBackend("> hello")
	r := newTestRelay(backend, cfg, nil)
	sink := newRecordingSink()

	res, err := r.Ask(testContext(), "hello", sink)
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if res.Reason != StopTimeout || !res.Fallback {
		t.Errorf("Result = %+v, want timeout with fallback", res)
	}
	if got := sink.messages(); len(got) != 1 || got[0] != "no response" {
		t.Errorf("messages = %q, want the fallback", got)
	}
	// One submission plus a confirm at ticks 4 and 8.
	if n := backend.count("key:Enter"); n != 3 {
		t.Errorf("Enter sent %d times, want 3", n)
	}
}

func TestRelayAskSkipsEmptyCaptures(t *testing.T) {
	final := "> hi\n✦ ok\n*"
	backend := newFakeBackend("> hi", "", final, "", final)
	r := newTestRelay(backend, testRelayConfig(), nil)
	sink := newRecordingSink()

	res, err := r.Ask(testContext(), "hi", sink)
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if res.Reason != StopReady || res.Ticks != 4 {
		t.Errorf("Result = %v after %d ticks, want ready after 4", res.Reason, res.Ticks)
	}
	if got := sink.messages(); len(got) != 1 || got[0] != "✦ ok" {
		t.Errorf("messages = %q, want [✦ ok]", got)
	}
}

func TestRelayAskEmptyInput(t *testing.T) {
	r := newTestRelay(newFakeBackend(), testRelayConfig(), nil)
	if _, err := r.Ask(testContext(), "  \n", newRecordingSink()); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("Ask() error = %v, want ErrEmptyInput", err)
	}
}

// blockingRelay returns a relay whose poll interval sleep blocks until
// release is closed or the context is cancelled.
func blockingRelay(backend Backend) (r *Relay, started <-chan struct{}, release chan struct{}) {
	cfg := testRelayConfig()
	r = newTestRelay(backend, cfg, nil)
	start := make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	r.sleep = func(ctx context.Context, d time.Duration) error {
		if d != cfg.Poll.Interval {
			return ctx.Err()
		}
		once.Do(func() { close(start) })
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
			return nil
		}
	}
	return r, start, release
}

func TestRelayRejectsChangesWhileActive(t *testing.T) {
	final := "> hello\n✦ Hi\n*"
	backend := newFakeBackend("> hello", final, final)
	backend.sessions["spare"] = true
	r, started, release := blockingRelay(backend)
	ctx := testContext()

	done := make(chan error, 1)
	go func() {
		_, err := r.Ask(ctx, "hello", newRecordingSink())
		done <- err
	}()
	<-started

	info, busy := r.Active()
	if !busy || info.Input != "hello" || info.Target.Session != "gemini-bot" {
		t.Errorf("Active() = %+v, %v, want the running interaction", info, busy)
	}
	if err := r.SetTarget(ctx, Target{Session: "other", Window: "0"}); !errors.Is(err, ErrInteractionActive) {
		t.Errorf("SetTarget() error = %v, want ErrInteractionActive", err)
	}
	if err := r.StopCLI(ctx); !errors.Is(err, ErrInteractionActive) {
		t.Errorf("StopCLI() error = %v, want ErrInteractionActive", err)
	}
	if _, err := r.CreateSession(ctx, "work"); !errors.Is(err, ErrInteractionActive) {
		t.Errorf("CreateSession() error = %v, want ErrInteractionActive", err)
	}
	for _, name := range []string{"gemini-bot", "spare"} {
		if err := r.KillSession(ctx, name); !errors.Is(err, ErrInteractionActive) {
			t.Errorf("KillSession(%s) error = %v, want ErrInteractionActive", name, err)
		}
	}
	if !backend.HasSession(ctx, Target{Session: "spare"}) {
		t.Error("spare session killed during an interaction")
	}
	if got := r.Target().Session; got != "gemini-bot" {
		t.Errorf("Target() = %q, want unchanged", got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if err := r.SetTarget(ctx, Target{Session: "other", Window: "1"}); err != nil {
		t.Errorf("SetTarget() after Ask error = %v", err)
	}
	if got := r.Target().String(); got != "other:1" {
		t.Errorf("Target() = %q, want other:1", got)
	}
}

func TestRelayResetCancels(t *testing.T) {
	backend := newFakeBackend("> hello")
	r, started, _ := blockingRelay(backend)
	ctx := testContext()
	sink := newRecordingSink()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.Ask(ctx, "hello", sink)
		done <- outcome{res, err}
	}()
	<-started

	if err := r.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("Ask() error = %v", out.err)
		}
		if out.res.Reason != StopCancelled || out.res.Fallback {
			t.Errorf("Result = %+v, want cancelled without fallback", out.res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Ask did not return after Reset")
	}
	if got := sink.messages(); len(got) != 0 {
		t.Errorf("messages = %q, want none after cancel", got)
	}
}

func TestRelayPrepareLaunchesCLI(t *testing.T) {
	backend := newFakeBackend()
	backend.sessions = map[string]bool{}
	cfg := testRelayConfig()
	cfg.CLICommand = "gemini --y"
	r := newTestRelay(backend, cfg, nil)

	if err := r.Prepare(testContext()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if !backend.HasSession(context.Background(), Target{Session: "gemini-bot"}) {
		t.Error("Prepare() did not create the session")
	}
	want := []string{"key:C-c", "key:C-u", "text:gemini --y", "key:Enter"}
	if got := backend.sentInput(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("sent = %q, want %q", got, want)
	}
}

func TestRelayPrepareSkipsRunningCLI(t *testing.T) {
	backend := newFakeBackend("✦ previous answer\n*")
	cfg := testRelayConfig()
	cfg.CLICommand = "gemini --y"
	r := newTestRelay(backend, cfg, nil)

	if err := r.Prepare(testContext()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if got := backend.sentInput(); len(got) != 0 {
		t.Errorf("sent = %q, want nothing", got)
	}
}

func TestRelayStoreOverridesTarget(t *testing.T) {
	store := &memStore{name: "saved"}
	r := newTestRelay(newFakeBackend(), testRelayConfig(), store)
	if got := r.Target().String(); got != "saved:0" {
		t.Errorf("Target() = %q, want saved:0", got)
	}

	if err := r.SetTarget(testContext(), Target{Session: "next", Window: "2"}); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if len(store.saved) != 1 || store.saved[0] != "next" {
		t.Errorf("store saved %q, want [next]", store.saved)
	}
}

func TestRelayCreateSession(t *testing.T) {
	backend := newFakeBackend()
	store := &memStore{}
	cfg := testRelayConfig()
	cfg.CLICommand = "gemini"
	r := newTestRelay(backend, cfg, store)
	ctx := testContext()

	got, err := r.CreateSession(ctx, "work")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if got.String() != "work:0" || r.Target() != got {
		t.Errorf("CreateSession() = %v, Target() = %v, want work:0", got, r.Target())
	}
	if backend.count("text:gemini") != 1 {
		t.Errorf("sent = %q, want the CLI launched once", backend.sentInput())
	}
	if len(store.saved) != 1 || store.saved[0] != "work" {
		t.Errorf("store saved %q, want [work]", store.saved)
	}

	if _, err := r.CreateSession(ctx, "work"); !errors.Is(err, ErrSessionExists) {
		t.Errorf("CreateSession() again error = %v, want ErrSessionExists", err)
	}
	if _, err := r.CreateSession(ctx, ":1"); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("CreateSession(:1) error = %v, want ErrUnknownTarget", err)
	}
}

func TestRelayKillSession(t *testing.T) {
	backend := newFakeBackend()
	backend.sessions["work"] = true
	r := newTestRelay(backend, testRelayConfig(), nil)
	ctx := testContext()

	if err := r.KillSession(ctx, "work"); err != nil {
		t.Fatalf("KillSession() error = %v", err)
	}
	if len(backend.killed) != 1 || backend.killed[0] != "work" {
		t.Errorf("killed = %q, want [work]", backend.killed)
	}
	if err := r.KillSession(ctx, "missing"); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("KillSession(missing) error = %v, want ErrUnknownTarget", err)
	}
}

func TestRelayStopCLI(t *testing.T) {
	backend := newFakeBackend()
	r := newTestRelay(backend, testRelayConfig(), nil)
	if err := r.StopCLI(testContext()); err != nil {
		t.Fatalf("StopCLI() error = %v", err)
	}
	want := []string{"text:/quit", "key:Enter"}
	if got := backend.sentInput(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("sent = %q, want %q", got, want)
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    Target
		wantErr bool
	}{
		{"work", Target{"work", "0"}, false},
		{"work:2", Target{"work", "2"}, false},
		{" work:1 ", Target{"work", "1"}, false},
		{"", Target{}, true},
		{":1", Target{}, true},
		{"work:", Target{}, true},
	}
	for _, tt := range tests {
		got, err := ParseTarget(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTarget(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTarget(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}
