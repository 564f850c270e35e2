package alerting_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/soilwatch/sentinel/internal/alerting"
	"github.com/soilwatch/sentinel/internal/audit"
	"github.com/soilwatch/sentinel/internal/events"
	"github.com/soilwatch/sentinel/internal/metrics"
	"github.com/soilwatch/sentinel/internal/server/storage"
	"github.com/soilwatch/sentinel/internal/server/storage/storagetest"
)

// mockNotifier records enqueued alerts.
type mockNotifier struct {
	mu     sync.Mutex
	alerts []storage.Alert
}

func (n *mockNotifier) Enqueue(_ context.Context, a storage.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *mockNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

// mockJournal records journal entries.
type mockJournal struct {
	mu      sync.Mutex
	records []audit.Record
}

func (j *mockJournal) Record(r audit.Record) (audit.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, r)
	return audit.Entry{Record: r}, nil
}

func (j *mockJournal) actions() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.records))
	for i, r := range j.records {
		out[i] = r.Action
	}
	return out
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store    *storagetest.Memory
	notifier *mockNotifier
	journal  *mockJournal
	events   *events.Recorder
	clock    *clock
	mgr      *alerting.Manager
}

func newFixture(t *testing.T, opts alerting.Options) *fixture {
	t.Helper()
	f := &fixture{
		store:    storagetest.NewMemory(),
		notifier: &mockNotifier{},
		journal:  &mockJournal{},
		events:   events.NewRecorder(64),
		clock:    &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	opts.Now = f.clock.Now
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.mgr = alerting.NewManager(f.store, f.notifier, f.events, f.journal, logger, opts)
	return f
}

func moistureCandidate(sensorID string) alerting.Candidate {
	return alerting.Candidate{
		Type:     storage.AlertTypeMoisture,
		Severity: storage.SeverityCritical,
		SensorID: sensorID,
		Trigger:  &storage.Trigger{Parameter: "moisture", Value: 91, Threshold: 80, Condition: "exceeds"},
		Message:  alerting.MoistureMessage(sensorID, storage.RiskCritical, 91),
	}
}

func TestNewAlertID_Format(t *testing.T) {
	t.Parallel()
	re := regexp.MustCompile(`^ALT-[0-9A-Z]+-[0-9A-Z]{5}$`)
	now := time.UnixMilli(1_700_000_000_000)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := alerting.NewAlertID(now)
		if !re.MatchString(id) {
			t.Fatalf("NewAlertID = %q, does not match %s", id, re)
		}
		seen[id] = true
	}
	if len(seen) < 45 {
		t.Errorf("only %d distinct ids out of 50", len(seen))
	}
	if got, want := alerting.NewAlertID(now)[:12], "ALT-LOYW3V28"; got != want {
		t.Errorf("timestamp part = %q, want %q", got, want)
	}
}

func TestCreateOrSuppress_CreatesActiveAlert(t *testing.T) {
	t.Parallel()
	f := newFixture(t, alerting.Options{})

	a, created, err := f.mgr.CreateOrSuppress(context.Background(), moistureCandidate("S-1"))
	if err != nil {
		t.Fatalf("CreateOrSuppress: %v", err)
	}
	if !created {
		t.Fatal("created = false, want true")
	}
	if a.Status != storage.StatusActive {
		t.Errorf("Status = %q, want active", a.Status)
	}
	if a.Priority != storage.DefaultPriority {
		t.Errorf("Priority = %d, want %d", a.Priority, storage.DefaultPriority)
	}
	if !a.CreatedAt.Equal(f.clock.Now()) {
		t.Errorf("CreatedAt = %v, want %v", a.CreatedAt, f.clock.Now())
	}
	if f.notifier.count() != 1 {
		t.Errorf("notifier got %d alerts, want 1", f.notifier.count())
	}
	if names := f.events.Names(); len(names) != 1 || names[0] != events.AlertNew {
		t.Errorf("events = %v, want [%s]", names, events.AlertNew)
	}
	if acts := f.journal.actions(); len(acts) != 1 || acts[0] != audit.ActionCreated {
		t.Errorf("journal = %v, want [created]", acts)
	}
}

func TestCreateOrSuppress_DedupWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, alerting.Options{})
	ctx := context.Background()

	first, _, err := f.mgr.CreateOrSuppress(ctx, moistureCandidate("S-1"))
	if err != nil {
		t.Fatal(err)
	}

	// Ten minutes later the same key is suppressed.
	f.clock.Advance(10 * time.Minute)
	second, created, err := f.mgr.CreateOrSuppress(ctx, moistureCandidate("S-1"))
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second candidate within window was created")
	}
	if second.AlertID != first.AlertID {
		t.Errorf("suppressed call returned %q, want existing %q", second.AlertID, first.AlertID)
	}
	if f.notifier.count() != 1 {
		t.Errorf("notifier got %d alerts, want 1", f.notifier.count())
	}

	// A different type on the same sensor is not suppressed.
	c := moistureCandidate("S-1")
	c.Type = storage.AlertTypeSensorFault
	if _, created, _ := f.mgr.CreateOrSuppress(ctx, c); !created {
		t.Error("different alert type was suppressed")
	}

	// 31 minutes after the first, a new alert is created.
	f.clock.Advance(21 * time.Minute)
	third, created, err := f.mgr.CreateOrSuppress(ctx, moistureCandidate("S-1"))
	if err != nil {
		t.Fatal(err)
	}
	if !created || third.AlertID == first.AlertID {
		t.Errorf("candidate after window: created=%v id=%q", created, third.AlertID)
	}
}

func TestCreateOrSuppress_ResolvedDoesNotSuppress(t *testing.T) {
	t.Parallel()
	f := newFixture(t, alerting.Options{})
	ctx := context.Background()

	first, _, _ := f.mgr.CreateOrSuppress(ctx, moistureCandidate("S-1"))
	if _, err := f.mgr.Resolve(ctx, first.AlertID, alerting.ResolveRequest{By: "ops"}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	f.clock.Advance(time.Minute)
	if _, created, _ := f.mgr.CreateOrSuppress(ctx, moistureCandidate("S-1")); !created {
		t.Error("resolved alert suppressed a new one")
	}
}

func TestCreateOrSuppress_ConcurrentSameKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t, alerting.Options{})

	const callers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := f.mgr.CreateOrSuppress(context.Background(), moistureCandidate("S-9"))
			if err != nil {
				t.Errorf("CreateOrSuppress: %v", err)
				return
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("created %d alerts, want exactly 1", createdCount)
	}
	if n := len(f.store.Alerts()); n != 1 {
		t.Errorf("store holds %d alerts, want 1", n)
	}
	if f.notifier.count() != 1 {
		t.Errorf("notifier got %d alerts, want 1", f.notifier.count())
	}
}

func TestCreateOrSuppress_CountsSuppressed(t *testing.T) {
	f := newFixture(t, alerting.Options{})
	ctx := context.Background()
	c := moistureCandidate("S-metrics")
	c.Type = storage.AlertTypeFlood

	before := testutil.ToFloat64(metrics.AlertsSuppressed.WithLabelValues(string(storage.AlertTypeFlood)))
	f.mgr.CreateOrSuppress(ctx, c)
	f.mgr.CreateOrSuppress(ctx, c)
	f.mgr.CreateOrSuppress(ctx, c)
	after := testutil.ToFloat64(metrics.AlertsSuppressed.WithLabelValues(string(storage.AlertTypeFlood)))

	if after-before != 2 {
		t.Errorf("suppressed counter delta = %v, want 2", after-before)
	}
}

func TestCreateOrSuppress_InvalidCandidate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, alerting.Options{})

	c := moistureCandidate("S-1")
	c.Severity = "apocalyptic"
	if _, _, err := f.mgr.CreateOrSuppress(context.Background(), c); !errors.Is(err, alerting.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
	if f.store.InsertAlertCalls != 0 {
		t.Error("invalid candidate reached the store")
	}
}

func TestCreateOrSuppress_StoreError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, alerting.Options{})
	f.store.InsertAlertErr = errors.New("connection refused")

	if _, _, err := f.mgr.CreateOrSuppress(context.Background(), moistureCandidate("S-1")); err == nil {
		t.Fatal("expected store error")
	}
	if f.notifier.count() != 0 {
		t.Error("notifier called after failed insert")
	}
}

func TestAcknowledge(t *testing.T) {
	t.Parallel()
	f := newFixture(t, alerting.Options{})
	ctx := context.Background()
	a, _, _ := f.mgr.CreateOrSuppress(ctx, moistureCandidate("S-1"))
	f.events.Drain()

	got, err := f.mgr.Acknowledge(ctx, a.AlertID, "alice", "on my way")
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if got.Status != storage.StatusAcknowledged {
		t.Errorf("Status = %q, want acknowledged", got.Status)
	}
	if got.Acknowledgment == nil || got.Acknowledgment.By != "alice" || got.Acknowledgment.Notes != "on my way" {
		t.Errorf("Acknowledgment = %+v", got.Acknowledgment)
	}
	if names := f.events.Names(); len(names) != 1 || names[0] != events.AlertAcknowledged {
		t.Errorf("events = %v", names)
	}

	// Acknowledging twice is an invalid transition.
	if _, err := f.mgr.Acknowledge(ctx, a.AlertID, "bob", ""); !errors.Is(err, alerting.ErrInvalidTransition) {
		t.Errorf("second Acknowledge err = %v, want ErrInvalidTransition", err)
	}
	if _, err := f.mgr.Acknowledge(ctx, "ALT-MISSING", "bob", ""); !errors.Is(err, alerting.ErrNotFound) {
		t.Errorf("unknown id err = %v, want ErrNotFound", err)
	}
}

func TestAcknowledge_ResolvedAlertRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, alerting.Options{})
	ctx := context.Background()
	a, _, _ := f.mgr.CreateOrSuppress(ctx, moistureCandidate("S-1"))
	if _, err := f.mgr.Resolve(ctx, a.AlertID, alerting.ResolveRequest{By: "ops", Resolution: "irrigated"}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	f.events.Drain()

	if _, err := f.mgr.Acknowledge(ctx, a.AlertID, "alice", ""); !errors.Is(err, alerting.ErrInvalidTransition) {
		t.Fatalf("Acknowledge after resolve err = %v, want ErrInvalidTransition", err)
	}
	got, err := f.mgr.Get(ctx, a.AlertID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != storage.StatusResolved || got.Acknowledgment != nil {
		t.Errorf("alert = status %q ack %+v, want resolved and unacknowledged", got.Status, got.Acknowledgment)
	}
	if names := f.events.Names(); len(names) != 0 {
		t.Errorf("events = %v, want none", names)
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		ackFirst  bool
		falseAlrm bool
	}{
		{name: "from active"},
		{name: "from acknowledged", ackFirst: true},
		{name: "false alarm", falseAlrm: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, alerting.Options{})
			ctx := context.Background()
			a, _, _ := f.mgr.CreateOrSuppress(ctx, moistureCandidate("S-1"))
			if tc.ackFirst {
				if _, err := f.mgr.Acknowledge(ctx, a.AlertID, "alice", ""); err != nil {
					t.Fatal(err)
				}
			}

			got, err := f.mgr.Resolve(ctx, a.AlertID, alerting.ResolveRequest{
				By: "alice", Resolution: "drained", FalseAlarm: tc.falseAlrm,
			})
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got.Status != storage.StatusResolved {
				t.Errorf("Status = %q, want resolved", got.Status)
			}
			if got.Resolution == nil || got.Resolution.FalseAlarm != tc.falseAlrm {
				t.Errorf("Resolution = %+v, want FalseAlarm=%v", got.Resolution, tc.falseAlrm)
			}

			if _, err := f.mgr.Resolve(ctx, a.AlertID, alerting.ResolveRequest{By: "bob"}); !errors.Is(err, alerting.ErrInvalidTransition) {
				t.Errorf("second Resolve err = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestNotifyTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, enabled := range []bool{false, true} {
		f := newFixture(t, alerting.Options{NotifyTransitions: enabled})
		a, _, _ := f.mgr.CreateOrSuppress(ctx, moistureCandidate("S-1"))
		f.mgr.Acknowledge(ctx, a.AlertID, "alice", "")
		f.mgr.Resolve(ctx, a.AlertID, alerting.ResolveRequest{By: "alice"})

		want := 1
		if enabled {
			want = 3
		}
		if got := f.notifier.count(); got != want {
			t.Errorf("NotifyTransitions=%v: notifier got %d alerts, want %d", enabled, got, want)
		}
	}
}

func TestUpdate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, alerting.Options{})
	ctx := context.Background()
	a, _, _ := f.mgr.CreateOrSuppress(ctx, moistureCandidate("S-1"))

	prio := 9
	status := storage.StatusFalseAlarm
	title := "Moisture spike (sensor fault?)"
	got, err := f.mgr.Update(ctx, a.AlertID, "alice", storage.AlertPatch{Priority: &prio, Status: &status, Title: &title})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Priority != 9 || got.Status != storage.StatusFalseAlarm || got.Message.Title != title {
		t.Errorf("patched alert = %+v", got)
	}
	if got.Message.Actionable != a.Message.Actionable {
		t.Error("unpatched message field changed")
	}

	bad := 11
	if _, err := f.mgr.Update(ctx, a.AlertID, "alice", storage.AlertPatch{Priority: &bad}); !errors.Is(err, alerting.ErrInvalidInput) {
		t.Errorf("priority 11 err = %v, want ErrInvalidInput", err)
	}
	sev := storage.Severity("extreme")
	if _, err := f.mgr.Update(ctx, a.AlertID, "alice", storage.AlertPatch{Severity: &sev}); !errors.Is(err, alerting.ErrInvalidInput) {
		t.Errorf("bad severity err = %v, want ErrInvalidInput", err)
	}
	if _, err := f.mgr.Update(ctx, a.AlertID, "alice", storage.AlertPatch{}); !errors.Is(err, alerting.ErrInvalidInput) {
		t.Errorf("empty patch err = %v, want ErrInvalidInput", err)
	}
	if _, err := f.mgr.Update(ctx, "ALT-NOPE", "alice", storage.AlertPatch{Priority: &prio}); !errors.Is(err, alerting.ErrNotFound) {
		t.Errorf("unknown id err = %v, want ErrNotFound", err)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	f := newFixture(t, alerting.Options{})
	ctx := context.Background()

	f.mgr.CreateOrSuppress(ctx, moistureCandidate("S-1"))
	a, _, _ := f.mgr.CreateOrSuppress(ctx, moistureCandidate("S-2"))
	f.mgr.Resolve(ctx, a.AlertID, alerting.ResolveRequest{By: "ops"})

	st, err := f.mgr.Stats(ctx, 30)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 2 || st.Active != 1 || st.Resolved != 1 {
		t.Errorf("stats = total %d active %d resolved %d, want 2/1/1", st.Total, st.Active, st.Resolved)
	}
	if _, err := f.mgr.Stats(ctx, 0); !errors.Is(err, alerting.ErrInvalidInput) {
		t.Errorf("days=0 err = %v, want ErrInvalidInput", err)
	}
}
