package redisconn

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFakeGetSetDel(t *testing.T) {
	ctx := context.Background()
	c := NewFake()
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on missing key: got err %v, want ErrNotFound", err)
	}
	if err := c.Set(ctx, "k", []byte("v1"), 0); err != nil {
		t.Fatal(err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || string(got) != "v1" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after Del: got err %v, want ErrNotFound", err)
	}
}

func TestFakeSetNX(t *testing.T) {
	ctx := context.Background()
	c := NewFake()
	ok, err := c.SetNX(ctx, "lock", []byte("tok1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX: ok=%v err=%v", ok, err)
	}
	ok, err = c.SetNX(ctx, "lock", []byte("tok2"), time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetNX should fail: ok=%v err=%v", ok, err)
	}
}

func TestFakeSetNXExpires(t *testing.T) {
	ctx := context.Background()
	c := NewFake()
	if _, err := c.SetNX(ctx, "lock", []byte("tok1"), 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	ok, err := c.SetNX(ctx, "lock", []byte("tok2"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("SetNX after expiry should succeed: ok=%v err=%v", ok, err)
	}
}

func TestFakeCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	c := NewFake()
	_, _ = c.SetNX(ctx, "lock", []byte("tok1"), time.Minute)
	ok, err := c.CompareAndDelete(ctx, "lock", []byte("wrong"))
	if err != nil || ok {
		t.Fatalf("CompareAndDelete with wrong token should fail: ok=%v err=%v", ok, err)
	}
	ok, err = c.CompareAndDelete(ctx, "lock", []byte("tok1"))
	if err != nil || !ok {
		t.Fatalf("CompareAndDelete with right token should succeed: ok=%v err=%v", ok, err)
	}
}

func TestFakeListAndZSet(t *testing.T) {
	ctx := context.Background()
	c := NewFake()
	if err := c.LPush(ctx, "l", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := c.LPush(ctx, "l", []byte("b")); err != nil {
		t.Fatal(err)
	}
	vals, err := c.LRange(ctx, "l")
	if err != nil || len(vals) != 2 || string(vals[0]) != "b" || string(vals[1]) != "a" {
		t.Fatalf("LRange = %v, %v", vals, err)
	}
	if err := c.LRem(ctx, "l", []byte("a")); err != nil {
		t.Fatal(err)
	}
	vals, _ = c.LRange(ctx, "l")
	if len(vals) != 1 || string(vals[0]) != "b" {
		t.Fatalf("LRange after LRem = %v", vals)
	}

	if err := c.ZAdd(ctx, "z", 10, "ep1"); err != nil {
		t.Fatal(err)
	}
	if err := c.ZAdd(ctx, "z", 20, "ep2"); err != nil {
		t.Fatal(err)
	}
	members, err := c.ZRangeByScore(ctx, "z", 15, 10)
	if err != nil || len(members) != 1 || members[0] != "ep1" {
		t.Fatalf("ZRangeByScore = %v, %v", members, err)
	}
}
