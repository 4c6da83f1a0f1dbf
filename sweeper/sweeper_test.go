package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openmtc/devreg"
	"github.com/openmtc/devreg/keys"
	"github.com/openmtc/devreg/redisconn"
	"github.com/openmtc/devreg/regstore"
	"github.com/openmtc/devreg/rlock"
)

type noopObsRemover struct{}

func (noopObsRemover) RemoveObservations(context.Context, string) ([]devreg.Observation, error) {
	return nil, nil
}

type recordingListener struct {
	mu    sync.Mutex
	calls []devreg.Registration
}

func (l *recordingListener) RegistrationExpired(reg devreg.Registration, _ []devreg.Observation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, reg)
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

// S5: a registration whose lifetime has elapsed is evicted on the next
// tick and the listener is notified.
func TestScenarioS5SweepsExpiredRegistration(t *testing.T) {
	conn := redisconn.NewFake()
	lock := rlock.New(conn, time.Second, 2*time.Second, nil)
	reg := regstore.New(conn, lock, noopObsRemover{}, 0, nil)

	now := time.Unix(0, 0).UTC()
	r := devreg.Registration{ID: "R1", Endpoint: "dev-B", RegisteredAt: now, Lifetime: time.Second, LastUpdate: now}
	if _, err := reg.AddRegistration(context.Background(), r); err != nil {
		t.Fatal(err)
	}

	listener := &recordingListener{}
	sw := New(conn, reg, 0, 10*time.Millisecond, 500, listener, nil)
	sw.Start()
	defer sw.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if listener.count() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if listener.count() != 1 {
		t.Fatalf("expected exactly one expiration notification, got %d", listener.count())
	}
	got, err := reg.GetRegistration(context.Background(), "R1")
	if err != nil || got != nil {
		t.Fatalf("expected registration gone after sweep, got %+v, %v", got, err)
	}
}

// panicOnceListener panics when notified about a specific registration id,
// then delegates everything else to an embedded recordingListener.
type panicOnceListener struct {
	*recordingListener
	panicFor string
}

func (l *panicOnceListener) RegistrationExpired(reg devreg.Registration, observations []devreg.Observation) {
	if reg.ID == l.panicFor {
		panic("listener exploded for " + reg.ID)
	}
	l.recordingListener.RegistrationExpired(reg, observations)
}

// A panicking ExpirationListener call must only drop its own endpoint from
// the tick, not abort the remaining endpoints in the same batch.
func TestTickSurvivesPanickingListener(t *testing.T) {
	conn := redisconn.NewFake()
	lock := rlock.New(conn, time.Second, 2*time.Second, nil)
	reg := regstore.New(conn, lock, noopObsRemover{}, 0, nil)

	now := time.Unix(0, 0).UTC()
	regA := devreg.Registration{ID: "R1", Endpoint: "dev-A", RegisteredAt: now, Lifetime: time.Second, LastUpdate: now}
	regB := devreg.Registration{ID: "R2", Endpoint: "dev-B", RegisteredAt: now, Lifetime: time.Second, LastUpdate: now}
	if _, err := reg.AddRegistration(context.Background(), regA); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.AddRegistration(context.Background(), regB); err != nil {
		t.Fatal(err)
	}

	listener := &panicOnceListener{recordingListener: &recordingListener{}, panicFor: "R1"}
	sw := New(conn, reg, 0, time.Hour, 500, listener, nil)
	sw.tick()

	// R1's listener call panicked, but R2 must still have been swept and
	// notified, and neither registration should survive in the store.
	if listener.count() != 1 {
		t.Fatalf("expected exactly one surviving notification (R2), got %d", listener.count())
	}
	if got, err := reg.GetRegistration(context.Background(), "R1"); err != nil || got != nil {
		t.Fatalf("expected R1 gone despite its listener panicking, got %+v, %v", got, err)
	}
	if got, err := reg.GetRegistration(context.Background(), "R2"); err != nil || got != nil {
		t.Fatalf("expected R2 gone and notified, got %+v, %v", got, err)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	conn := redisconn.NewFake()
	lock := rlock.New(conn, time.Second, 2*time.Second, nil)
	reg := regstore.New(conn, lock, noopObsRemover{}, 0, nil)
	sw := New(conn, reg, 0, time.Hour, 500, nil, nil)

	sw.Start()
	sw.Start() // no-op, already running
	sw.Stop()
	sw.Stop() // no-op, already stopped
}

// A registration whose expiration-queue entry is already due but whose
// stored record is still alive must survive - guards against evicting a
// registration refreshed after its queue entry was read.
func TestSweepSkipsRefreshedRegistration(t *testing.T) {
	conn := redisconn.NewFake()
	lock := rlock.New(conn, time.Second, 2*time.Second, nil)
	reg := regstore.New(conn, lock, noopObsRemover{}, 0, nil)

	now := time.Now().UTC()
	r := devreg.Registration{ID: "R1", Endpoint: "dev-B", RegisteredAt: now, Lifetime: time.Hour, LastUpdate: now}
	if _, err := reg.AddRegistration(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	// Stale queue entry: the tick sees dev-B as due, so only the liveness
	// check against the stored record keeps it.
	if err := conn.ZAdd(context.Background(), keys.ExpirationQueue, 0, "dev-B"); err != nil {
		t.Fatal(err)
	}

	listener := &recordingListener{}
	sw := New(conn, reg, 0, time.Hour, 500, listener, nil)
	sw.tick()

	if listener.count() != 0 {
		t.Fatalf("expected no expiration for a live registration, got %d", listener.count())
	}
	got, err := reg.GetRegistration(context.Background(), "R1")
	if err != nil || got == nil {
		t.Fatalf("expected registration to survive, got %+v, %v", got, err)
	}
}
