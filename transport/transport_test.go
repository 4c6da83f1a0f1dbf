package transport

import (
	"context"
	"testing"
	"time"

	"github.com/openmtc/devreg"
	"github.com/openmtc/devreg/obsstore"
	"github.com/openmtc/devreg/redisconn"
	"github.com/openmtc/devreg/rlock"
)

func newTestManager(t *testing.T) (*Manager, *obsstore.Store, redisconn.Conn) {
	t.Helper()
	conn := redisconn.NewFake()
	lock := rlock.New(conn, time.Second, 2*time.Second, nil)
	store := obsstore.New(conn, lock, nil)
	return New(store, nil), store, conn
}

func TestRegisterThenLookup(t *testing.T) {
	mgr, _, conn := newTestManager(t)
	ctx := context.Background()
	if err := conn.Set(ctx, "EP:REGID:R1", []byte("dev-A"), 0); err != nil {
		t.Fatal(err)
	}

	path := devreg.ResourcePath{ObjectID: 3, InstanceID: 0, ResourceID: 1}
	token, evicted, err := mgr.Register(ctx, "R1", path, []byte("payload"), []byte("ctx-v1"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(evicted) != 0 {
		t.Fatalf("expected no eviction on first registration, got %v", evicted)
	}
	if len(token) != tokenSize {
		t.Fatalf("expected %d-byte token, got %d", tokenSize, len(token))
	}

	got, err := mgr.Lookup(ctx, token)
	if err != nil || got == nil || got.RegistrationID != "R1" || got.Path != path {
		t.Fatalf("Lookup = %+v, %v", got, err)
	}
}

func TestReregisterSamePathEvictsPrior(t *testing.T) {
	mgr, _, conn := newTestManager(t)
	ctx := context.Background()
	if err := conn.Set(ctx, "EP:REGID:R1", []byte("dev-A"), 0); err != nil {
		t.Fatal(err)
	}
	path := devreg.ResourcePath{ObjectID: 3, InstanceID: 0, ResourceID: 1}

	firstToken, _, err := mgr.Register(ctx, "R1", path, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, evicted, err := mgr.Register(ctx, "R1", path, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(evicted) != 1 || string(evicted[0].Token) != string(firstToken) {
		t.Fatalf("expected the first token evicted, got %+v", evicted)
	}
	if got, _ := mgr.Lookup(ctx, firstToken); got != nil {
		t.Fatalf("expected evicted observation gone, got %+v", got)
	}
}

func TestDeregisterRemovesObservation(t *testing.T) {
	mgr, _, conn := newTestManager(t)
	ctx := context.Background()
	if err := conn.Set(ctx, "EP:REGID:R1", []byte("dev-A"), 0); err != nil {
		t.Fatal(err)
	}
	token, _, err := mgr.Register(ctx, "R1", devreg.ResourcePath{ObjectID: 3}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Deregister(ctx, token); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if got, _ := mgr.Lookup(ctx, token); got != nil {
		t.Fatalf("expected observation gone after deregister, got %+v", got)
	}
}

func TestRefreshUpdatesEndpointContext(t *testing.T) {
	mgr, _, conn := newTestManager(t)
	ctx := context.Background()
	if err := conn.Set(ctx, "EP:REGID:R1", []byte("dev-A"), 0); err != nil {
		t.Fatal(err)
	}
	token, _, err := mgr.Register(ctx, "R1", devreg.ResourcePath{ObjectID: 3}, nil, []byte("ctx-v1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Refresh(ctx, token, []byte("ctx-v2")); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	got, err := mgr.Lookup(ctx, token)
	if err != nil || got == nil || string(got.EndpointContext) != "ctx-v2" {
		t.Fatalf("Lookup after Refresh = %+v, %v", got, err)
	}
}
