package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Mock pod writer for testing
type mockWriter struct {
	mu        sync.Mutex
	applied   []string
	deleted   []string
	applyErr  error
	deleteErr error
	applyGate chan struct{}
}

func (m *mockWriter) ApplyPod(ctx context.Context, pod *corev1.Pod) error {
	m.mu.Lock()
	gate := m.applyGate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, pod.Name)
	return m.applyErr
}

func (m *mockWriter) DeletePod(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, name)
	return m.deleteErr
}

func (m *mockWriter) counts() (applied, deleted int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.applied), len(m.deleted)
}

func (m *mockWriter) deletedNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

func (m *mockWriter) setApplyErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyErr = err
}

// Mock renderer for testing
type mockRenderer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *mockRenderer) Render(kind UnitKind, target, name string) (*corev1.Pod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{LabelUnitKind: string(kind)},
		},
	}
	if target != "" {
		pod.Spec.Containers = []corev1.Container{{
			Name: "unit",
			Env:  []corev1.EnvVar{{Name: EnvTarget, Value: target}},
		}}
	}
	return pod, nil
}

func (r *mockRenderer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Mock admission policy for testing
type mockPolicy struct {
	mu   sync.Mutex
	deny bool
	seen []DeployRequest
}

func (p *mockPolicy) AdmitDeploy(ctx context.Context, req DeployRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, req)
	if p.deny {
		return NewValidationError("too many units", nil).WithCode(ErrCodePolicyDenied)
	}
	return nil
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// harness runs a Loop on its own goroutine with injected tick sources.
type harness struct {
	t        *testing.T
	loop     *Loop
	writer   *mockWriter
	renderer *mockRenderer
	clock    *fakeClock
	ticks    chan time.Time
	upkeep   chan time.Time
	tuning   Tuning
	seq      uint64
	ctx      context.Context
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()

	h := &harness{
		t:        t,
		writer:   &mockWriter{},
		renderer: &mockRenderer{},
		clock:    newFakeClock(),
		ticks:    make(chan time.Time),
		upkeep:   make(chan time.Time),
	}
	opts := Options{
		Tuning:           DefaultTuning(),
		StartingCredits:  100,
		Writer:           h.writer,
		Renderer:         h.renderer,
		Clock:            h.clock.Now,
		TickSource:       h.ticks,
		UpkeepSource:     h.upkeep,
		VerifyInvariants: true,
	}
	if mutate != nil {
		mutate(&opts)
	}

	loop, err := NewLoop(opts)
	if err != nil {
		t.Fatalf("NewLoop() error = %v", err)
	}
	h.loop = loop
	h.tuning = loop.econ.Tuning()

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		if err := loop.Violation(); err != nil {
			t.Errorf("invariant violated: %v", err)
		}
	})
	return h
}

func (h *harness) submit(intent Intent) (Ack, error) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 2*time.Second)
	defer cancel()
	return h.loop.Submit(ctx, intent)
}

func (h *harness) mustDeploy(kind UnitKind, target string) Ack {
	h.t.Helper()
	ack, err := h.submit(DeployIntent(kind, target))
	if err != nil {
		h.t.Fatalf("deploy %s: %v", kind, err)
	}
	if ack.Status != AckAccepted || ack.UnitID == "" {
		h.t.Fatalf("deploy %s: unexpected ack %+v", kind, ack)
	}
	return ack
}

// barrier returns once every message queued before it has been applied and published.
func (h *harness) barrier() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 2*time.Second)
	defer cancel()
	if err := h.loop.UpdateTuning(ctx, h.tuning); err != nil {
		h.t.Fatalf("barrier: %v", err)
	}
}

func (h *harness) observe(ev ClusterEvent) {
	h.t.Helper()
	if err := h.loop.Observe(h.ctx, ev); err != nil {
		h.t.Fatalf("Observe() error = %v", err)
	}
}

func (h *harness) podEvent(typ ClusterEventType, p ObservedPod) {
	h.t.Helper()
	h.seq++
	h.observe(ClusterEvent{Type: typ, Seq: h.seq, Name: p.Name, Pod: &p})
}

func (h *harness) podReady(name string, kind UnitKind, ip, target string) {
	h.t.Helper()
	h.podEvent(EventPodModified, ObservedPod{
		Name:     name,
		Kind:     kind,
		NodeName: "node-a",
		IP:       ip,
		Target:   target,
		Phase:    PodPhaseRunning,
		Ready:    true,
	})
}

func (h *harness) podRemoved(name string) {
	h.t.Helper()
	h.seq++
	h.observe(ClusterEvent{Type: EventPodRemoved, Seq: h.seq, Name: name})
}

func (h *harness) node(name string) {
	h.t.Helper()
	h.seq++
	h.observe(ClusterEvent{Type: EventNodeAdded, Seq: h.seq, Name: name, Node: &ObservedNode{Name: name, Ready: true}})
}

func (h *harness) tick(d time.Duration) {
	h.t.Helper()
	now := h.clock.Advance(d)
	select {
	case h.ticks <- now:
	case <-time.After(2 * time.Second):
		h.t.Fatal("tick not consumed")
	}
	h.barrier()
}

func (h *harness) upkeepTick() {
	h.t.Helper()
	select {
	case h.upkeep <- h.clock.Now():
	case <-time.After(2 * time.Second):
		h.t.Fatal("upkeep tick not consumed")
	}
	h.barrier()
}

func (h *harness) snapshot() *Snapshot {
	return h.loop.Snapshot()
}

func (h *harness) unit(id string) AstroUnit {
	h.t.Helper()
	u, ok := h.snapshot().Unit(id)
	if !ok {
		h.t.Fatalf("unit %s not in snapshot", id)
	}
	return u
}

// waitFor polls until cond holds for the latest snapshot.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
