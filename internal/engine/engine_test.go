package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nuetzliches/eventpipe/internal/dispatcher"
	"github.com/nuetzliches/eventpipe/internal/payload"
	"github.com/nuetzliches/eventpipe/internal/queue"
	"github.com/nuetzliches/eventpipe/internal/scheduler"
)

type fakeScheduler struct {
	mu       sync.Mutex
	notified []int
	triggers int
}

func (f *fakeScheduler) Notify(pending int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, pending)
}

func (f *fakeScheduler) Trigger() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers++
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	engine *Engine
	store  *queue.MemoryStore
	sched  *fakeScheduler
	clock  *clock
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: queue.NewMemoryStore(),
		sched: &fakeScheduler{},
		clock: &clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
	}
	opts = append([]Option{WithClock(f.clock.now)}, opts...)
	f.engine = New(f.store, f.sched, nil, cfg, opts...)
	return f
}

func (f *fixture) claim(t *testing.T) []payload.Payload {
	t.Helper()
	c, err := f.store.ClaimPending()
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return c.Items
}

func TestTrack_EnrichesPayload(t *testing.T) {
	f := newFixture(t, Config{})
	uid := f.engine.User().Identifiers[payload.AnonymousIdentifier]

	id, err := f.engine.Track(payload.Event{Name: "Purchase", Properties: payload.Map{"sku": payload.String("a1")}})
	if err != nil || id == 0 {
		t.Fatalf("track id=%d err=%v", id, err)
	}

	items := f.claim(t)
	if len(items) != 1 {
		t.Fatalf("items=%d, want 1", len(items))
	}
	p := items[0]
	if p.Stream != payload.DefaultStream {
		t.Fatalf("stream=%q, want default", p.Stream)
	}
	if got := p.Data[payload.KeyEventName]; !got.Equal(payload.String("Purchase")) {
		t.Fatalf("eventName=%v", got)
	}
	if got := p.Data[payload.KeyTimestamp]; !got.Equal(payload.Int(f.clock.t.UnixMilli())) {
		t.Fatalf("_ts=%v, want %d", got, f.clock.t.UnixMilli())
	}
	if got := p.Identifiers[payload.AnonymousIdentifier]; !got.Equal(uid) {
		t.Fatalf("identifiers=%v, want current user injected", p.Identifiers)
	}
	if got := p.Properties["sku"]; !got.Equal(payload.String("a1")) {
		t.Fatalf("properties=%v", p.Properties)
	}
	if len(f.sched.notified) != 1 || f.sched.notified[0] != 1 {
		t.Fatalf("notified=%v, want [1]", f.sched.notified)
	}
}

func TestScreen_AddsEventType(t *testing.T) {
	f := newFixture(t, Config{DefaultStream: "mobile"})
	if _, err := f.engine.Screen(payload.Event{Name: "Home"}); err != nil {
		t.Fatalf("screen: %v", err)
	}
	p := f.claim(t)[0]
	if p.Stream != "mobile" {
		t.Fatalf("stream=%q, want mobile", p.Stream)
	}
	if got := p.Data[payload.KeyEventType]; !got.Equal(payload.String(payload.ScreenEventType)) {
		t.Fatalf("_e=%v, want sc", got)
	}
}

func TestScreen_WireShape(t *testing.T) {
	f := newFixture(t, Config{})
	if _, err := f.engine.Screen(payload.Event{Name: "Home"}); err != nil {
		t.Fatalf("screen: %v", err)
	}
	uid, _ := f.engine.User().Identifiers[payload.AnonymousIdentifier].Str()

	got := string(f.claim(t)[0].Serialize())
	want := fmt.Sprintf(`{"_e":"sc","_sesstart":"1","_ts":%d,"eventName":"Home","identifiers":{"_uid":%q}}`,
		f.clock.t.UnixMilli(), uid)
	if got != want {
		t.Fatalf("wire=%s, want %s", got, want)
	}
}

func TestSessionStart(t *testing.T) {
	f := newFixture(t, Config{SessionTimeout: time.Minute})

	track := func() payload.Payload {
		t.Helper()
		if _, err := f.engine.Track(payload.Event{Name: "e"}); err != nil {
			t.Fatalf("track: %v", err)
		}
		items := f.claim(t)
		if _, err := f.store.ResolveSuccess(payload.IDs(items)); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		return items[0]
	}

	if _, ok := track().Data[payload.KeySessionStart]; !ok {
		t.Fatalf("first event must start a session")
	}
	f.clock.advance(30 * time.Second)
	if _, ok := track().Data[payload.KeySessionStart]; ok {
		t.Fatalf("event inside session marked as start")
	}
	f.clock.advance(2 * time.Minute)
	p := track()
	if got := p.Data[payload.KeySessionStart]; !got.Equal(payload.String(payload.SessionStartFlag)) {
		t.Fatalf("_sesstart=%v after timeout, want 1", got)
	}
}

func TestForegroundSessionCarriesToNextEvent(t *testing.T) {
	f := newFixture(t, Config{SessionTimeout: time.Minute})
	f.engine.OnForeground("")
	f.clock.advance(time.Second)
	if _, err := f.engine.Track(payload.Event{Name: "e"}); err != nil {
		t.Fatalf("track: %v", err)
	}
	if _, ok := f.claim(t)[0].Data[payload.KeySessionStart]; !ok {
		t.Fatalf("session started by foreground must mark the next event")
	}
}

func TestRequireConsent(t *testing.T) {
	f := newFixture(t, Config{RequireConsent: true})
	if f.engine.OptedIn() {
		t.Fatalf("opted in before consent")
	}
	id, err := f.engine.Track(payload.Event{Name: "dropped"})
	if err != nil || id != 0 {
		t.Fatalf("id=%d err=%v, want silent drop", id, err)
	}
	if n, _ := f.store.PendingCount(); n != 0 {
		t.Fatalf("pending=%d, want 0", n)
	}
	if len(f.sched.notified) != 0 {
		t.Fatalf("scheduler notified for dropped event")
	}

	f.engine.OptIn()
	if _, err := f.engine.Track(payload.Event{Name: "kept"}); err != nil {
		t.Fatalf("track: %v", err)
	}
	if n, _ := f.store.PendingCount(); n != 1 {
		t.Fatalf("pending=%d, want 1", n)
	}
}

func TestOptInStateComesFromIdentity(t *testing.T) {
	id := NewMemoryIdentity("")
	id.SetOptedIn(false)
	f := newFixture(t, Config{}, WithIdentity(id))
	if f.engine.OptedIn() {
		t.Fatalf("stored opt-out ignored")
	}
	f.engine.OptIn()
	if v, known := id.OptedIn(); !v || !known {
		t.Fatalf("opt-in not recorded on identity: %v %v", v, known)
	}
}

func TestIdentifyAndConsentMergeUser(t *testing.T) {
	f := newFixture(t, Config{})
	if id, err := f.engine.Identify(payload.IdentityEvent{
		Identifiers: payload.Map{"email": payload.String("a@example.com")},
		Attributes:  payload.Map{"plan": payload.String("pro")},
	}); err != nil || id != 0 {
		t.Fatalf("identify id=%d err=%v, want no event", id, err)
	}
	if n, _ := f.store.PendingCount(); n != 0 {
		t.Fatalf("identify without SendEvent enqueued %d", n)
	}

	if _, err := f.engine.Consent(payload.ConsentEvent{
		Name:      "Consent",
		Consent:   payload.Map{"analytics": payload.Bool(true)},
		SendEvent: true,
	}); err != nil {
		t.Fatalf("consent: %v", err)
	}
	u := f.engine.User()
	if !u.Identifiers["email"].Equal(payload.String("a@example.com")) || !u.Attributes["plan"].Equal(payload.String("pro")) {
		t.Fatalf("user=%+v", u)
	}
	if !u.Consent["analytics"].Equal(payload.Bool(true)) {
		t.Fatalf("consent=%v", u.Consent)
	}
	p := f.claim(t)[0]
	if !p.Consent["analytics"].Equal(payload.Bool(true)) {
		t.Fatalf("consent payload=%+v", p)
	}

	if _, err := f.engine.Track(payload.Event{Name: "after"}); err != nil {
		t.Fatalf("track: %v", err)
	}
	if got := f.claim(t)[0].Identifiers["email"]; !got.Equal(payload.String("a@example.com")) {
		t.Fatalf("merged identifier not injected: %v", got)
	}
}

func TestReset(t *testing.T) {
	f := newFixture(t, Config{})
	before := f.engine.User().Identifiers[payload.AnonymousIdentifier]
	for i := 0; i < 3; i++ {
		if _, err := f.engine.Track(payload.Event{Name: "e"}); err != nil {
			t.Fatalf("track: %v", err)
		}
	}
	if err := f.engine.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if f.engine.OptedIn() {
		t.Fatalf("reset must opt out")
	}
	if n, _ := f.store.PendingCount(); n != 0 {
		t.Fatalf("pending=%d after reset", n)
	}
	after := f.engine.User().Identifiers[payload.AnonymousIdentifier]
	if after.IsBlank() || after.Equal(before) {
		t.Fatalf("anonymous id before=%v after=%v, want fresh id", before, after)
	}
}

func TestReset_LogsConfiguredAnonymousKey(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	f := newFixture(t, Config{}, WithIdentity(NewMemoryIdentity("device_id")), WithLogger(logger))

	if err := f.engine.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	want, _ := f.engine.User().Identifiers["device_id"].Str()
	if want == "" {
		t.Fatalf("reset user has no device_id: %v", f.engine.User())
	}

	var logged struct {
		AnonymousID string `json:"anonymous_id"`
	}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if bytes.Contains(line, []byte(`"identity_reset"`)) {
			if err := json.Unmarshal(line, &logged); err != nil {
				t.Fatalf("decode %s: %v", line, err)
			}
		}
	}
	if logged.AnonymousID != want {
		t.Fatalf("logged anonymous_id=%q, want %q", logged.AnonymousID, want)
	}
}

type staticAdID struct {
	id    string
	err   error
	calls int
}

func (s *staticAdID) AdvertisingID(context.Context) (string, error) {
	s.calls++
	return s.id, s.err
}

func TestAdvertisingID(t *testing.T) {
	ad := &staticAdID{id: "ad-1"}
	f := newFixture(t, Config{}, WithAdvertisingID(ad))

	if _, err := f.engine.Track(payload.Event{Name: "before"}); err != nil {
		t.Fatalf("track: %v", err)
	}
	if ad.calls != 0 {
		t.Fatalf("provider called %d times while disabled", ad.calls)
	}

	f.engine.EnableAdvertisingID()
	if _, err := f.engine.Track(payload.Event{Name: "after"}); err != nil {
		t.Fatalf("track: %v", err)
	}
	items := f.claim(t)
	if _, ok := items[0].Identifiers[payload.AdvertisingID]; ok {
		t.Fatalf("advertising id attached while disabled")
	}
	if got, _ := items[1].Identifiers[payload.AdvertisingID].Str(); got != "ad-1" {
		t.Fatalf("advertising id=%q, want ad-1", got)
	}
	if got, _ := f.engine.User().Identifiers[payload.AdvertisingID].Str(); got != "ad-1" {
		t.Fatalf("user advertising id=%q, want ad-1", got)
	}

	f.engine.DisableAdvertisingID()
	if f.engine.AdvertisingIDEnabled() {
		t.Fatalf("still enabled after disable")
	}
	if _, ok := f.engine.User().Identifiers[payload.AdvertisingID]; ok {
		t.Fatalf("disable must remove the id from the user")
	}
}

func TestAdvertisingID_ProviderErrorKeepsEvent(t *testing.T) {
	ad := &staticAdID{err: errors.New("unavailable")}
	f := newFixture(t, Config{}, WithAdvertisingID(ad))
	f.engine.EnableAdvertisingID()

	if id, err := f.engine.Track(payload.Event{Name: "e"}); err != nil || id == 0 {
		t.Fatalf("track id=%d err=%v", id, err)
	}
	if _, ok := f.claim(t)[0].Identifiers[payload.AdvertisingID]; ok {
		t.Fatalf("advertising id attached despite provider error")
	}
}

func TestReset_DisablesAdvertisingID(t *testing.T) {
	f := newFixture(t, Config{}, WithAdvertisingID(&staticAdID{id: "ad-1"}))
	f.engine.EnableAdvertisingID()
	if err := f.engine.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if f.engine.AdvertisingIDEnabled() {
		t.Fatalf("reset must disable the advertising id")
	}
}

type brokenStore struct {
	*queue.MemoryStore
}

func (brokenStore) Enqueue(payload.Payload) (int64, error) {
	return 0, errors.New("disk full")
}

func TestEnqueue_StorageErrorSurfaces(t *testing.T) {
	sched := &fakeScheduler{}
	e := New(brokenStore{queue.NewMemoryStore()}, sched, nil, Config{})
	if _, err := e.Track(payload.Event{Name: "e"}); err == nil {
		t.Fatalf("expected storage error")
	}
	if len(sched.notified) != 0 {
		t.Fatalf("scheduler notified after failed enqueue")
	}
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t, Config{AutoTrackAppOpens: true, AutoTrackScreens: true})

	f.engine.OnForeground("MainActivity")
	f.engine.OnForeground("MainActivity")
	f.engine.OnScreen("Settings")
	f.engine.OnScreen("")
	f.engine.OnBackground()

	items := f.claim(t)
	if len(items) != 2 {
		t.Fatalf("items=%d, want app open + screen", len(items))
	}
	if !items[0].Data[payload.KeyEventName].Equal(payload.String(AppOpenEvent)) {
		t.Fatalf("first=%v, want App Open", items[0].Data)
	}
	if got, _ := items[0].Properties["activity"].Str(); got != "MainActivity" {
		t.Fatalf("app open activity=%q, want MainActivity", got)
	}
	if !items[1].Data[payload.KeyEventType].Equal(payload.String(payload.ScreenEventType)) {
		t.Fatalf("second=%v, want screen", items[1].Data)
	}
	if f.sched.triggers != 1 {
		t.Fatalf("triggers=%d, want background dispatch", f.sched.triggers)
	}
}

func TestLifecycle_AutoTrackOff(t *testing.T) {
	f := newFixture(t, Config{})
	f.engine.OnForeground("Main")
	f.engine.OnScreen("Home")
	if n, _ := f.store.PendingCount(); n != 0 {
		t.Fatalf("pending=%d, want no auto events", n)
	}
}

type recordingRunner struct{ calls int }

func (r *recordingRunner) RunOnce(context.Context) (dispatcher.CycleResult, error) {
	r.calls++
	return dispatcher.CycleResult{Claimed: 1}, nil
}

func TestDispatchAndFlush(t *testing.T) {
	store := queue.NewMemoryStore()
	sched := &fakeScheduler{}
	runner := &recordingRunner{}
	e := New(store, sched, runner, Config{})

	e.Dispatch()
	if sched.triggers != 1 {
		t.Fatalf("triggers=%d, want 1", sched.triggers)
	}
	res, err := e.Flush(context.Background())
	if err != nil || res.Claimed != 1 || runner.calls != 1 {
		t.Fatalf("flush res=%+v err=%v calls=%d", res, err, runner.calls)
	}

	if _, err := New(store, sched, nil, Config{}).Flush(context.Background()); err == nil {
		t.Fatalf("flush without runner must fail")
	}
}

// End to end through the real scheduler and worker: ten events cross the size
// threshold and land at the collector without an explicit dispatch.
func TestPipeline_SizeTriggerDelivers(t *testing.T) {
	store := queue.NewMemoryStore()
	delivered := make(chan int, 4)
	cycle := &dispatcher.Cycle{
		Store: store,
		Sender: &dispatcher.BatchSender{Deliverer: dispatcher.DelivererFunc(func(_ context.Context, d dispatcher.Delivery) dispatcher.Result {
			delivered <- len(d.Items)
			return dispatcher.Result{StatusCode: 200}
		})},
	}
	worker := dispatcher.NewWorker(cycle, nil)
	worker.Start()
	defer worker.Drain(time.Second)

	sched := scheduler.New(scheduler.Config{MaxQueueSize: 10, UploadInterval: time.Hour}, func(scheduler.Reason) { worker.Kick() }, nil)
	defer sched.Stop()

	e := New(store, sched, worker, Config{})
	for i := 0; i < 10; i++ {
		if _, err := e.Track(payload.Event{Name: "e"}); err != nil {
			t.Fatalf("track %d: %v", i, err)
		}
	}

	select {
	case n := <-delivered:
		if n != 10 {
			t.Fatalf("delivered=%d, want 10", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("size trigger never dispatched")
	}
}
