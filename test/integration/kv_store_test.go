//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ehr/queue/internal/platform/kv"
)

func TestPostgresStore_GetPutDelete(t *testing.T) {
	resetStore(t)
	ctx := context.Background()
	s := kv.NewPostgresStore(globalPool)

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}

	if err := s.Put(ctx, "queue:counter:LAB:2026-03-01", []byte(`{"entered":1}`), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "queue:counter:LAB:2026-03-01", []byte(`{"entered":2}`), 0); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, err := s.Get(ctx, "queue:counter:LAB:2026-03-01")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"entered":2}` {
		t.Errorf("Get = %s", got)
	}

	if err := s.Delete(ctx, "queue:counter:LAB:2026-03-01"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "queue:counter:LAB:2026-03-01"); !kv.IsNotFound(err) {
		t.Errorf("expected not found after delete, got %v", err)
	}
}

func TestPostgresStore_PutIfAbsent_SingleWinner(t *testing.T) {
	resetStore(t)
	ctx := context.Background()
	s := kv.NewPostgresStore(globalPool)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.PutIfAbsent(ctx, "lock:queue:LAB", []byte(fmt.Sprintf("holder-%d", i)), time.Minute)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("winners = %d, want 1", wins)
	}
}

func TestPostgresStore_ExpiredRowIsReclaimed(t *testing.T) {
	resetStore(t)
	ctx := context.Background()
	s := kv.NewPostgresStore(globalPool)

	if err := s.Put(ctx, "lock:queue:EYE", []byte("t1"), 50*time.Millisecond); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err := s.PutIfAbsent(ctx, "lock:queue:EYE", []byte("t2"), time.Minute)
	if err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}
	if ok {
		t.Fatal("live row must block a conditional write")
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := s.Get(ctx, "lock:queue:EYE"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Get after expiry = %v, want ErrNotFound", err)
	}

	ok, err = s.PutIfAbsent(ctx, "lock:queue:EYE", []byte("t2"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("PutIfAbsent after expiry = %v, %v", ok, err)
	}
}

func TestPostgresStore_CompareAndDelete(t *testing.T) {
	resetStore(t)
	ctx := context.Background()
	s := kv.NewPostgresStore(globalPool)

	if err := s.Put(ctx, "lock:pin:LAB", []byte("owner-a"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if ok, err := s.CompareAndDelete(ctx, "lock:pin:LAB", []byte("owner-b")); err != nil || ok {
		t.Fatalf("CompareAndDelete(owner-b) = %v, %v", ok, err)
	}
	if ok, err := s.CompareAndDelete(ctx, "lock:pin:LAB", []byte("owner-a")); err != nil || !ok {
		t.Fatalf("CompareAndDelete(owner-a) = %v, %v", ok, err)
	}
}

func TestPostgresStore_Incr(t *testing.T) {
	resetStore(t)
	ctx := context.Background()
	s := kv.NewPostgresStore(globalPool)

	const workers = 24
	results := make([]int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := s.Incr(ctx, "ratelimit:user:kiosk-1:0", time.Minute)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = n
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	want := make([]int64, workers)
	for i := range want {
		want[i] = int64(i + 1)
	}
	if diff := cmp.Diff(want, results); diff != "" {
		t.Errorf("increments are not gap-free (-want +got):\n%s", diff)
	}

	// An expired counter restarts at one.
	if err := s.Put(ctx, "ratelimit:user:kiosk-2:0", []byte("9"), 20*time.Millisecond); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	n, err := s.Incr(ctx, "ratelimit:user:kiosk-2:0", time.Minute)
	if err != nil {
		t.Fatalf("Incr after expiry: %v", err)
	}
	if n != 1 {
		t.Errorf("Incr after expiry = %d, want 1", n)
	}
}

func TestPostgresStore_ListEscapesPattern(t *testing.T) {
	resetStore(t)
	ctx := context.Background()
	s := kv.NewPostgresStore(globalPool)

	for _, k := range []string{
		"queue:ticket:LAB:2026-03-01:2",
		"queue:ticket:LAB:2026-03-01:1",
		"queue:ticket:EYE:2026-03-01:1",
		"queue:ticket:LAB_X:2026-03-01:1",
		"queue:ticket:LABAX:2026-03-01:1",
	} {
		if err := s.Put(ctx, k, []byte("{}"), 0); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	keys, err := s.List(ctx, "queue:ticket:LAB:")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{
		"queue:ticket:LAB:2026-03-01:1",
		"queue:ticket:LAB:2026-03-01:2",
	}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("List(LAB) mismatch (-want +got):\n%s", diff)
	}

	keys, err = s.List(ctx, "queue:ticket:LAB_X:")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if diff := cmp.Diff([]string{"queue:ticket:LAB_X:2026-03-01:1"}, keys); diff != "" {
		t.Errorf("List(LAB_X) mismatch (-want +got):\n%s", diff)
	}
}

func TestPostgresStore_Purge(t *testing.T) {
	resetStore(t)
	ctx := context.Background()
	s := kv.NewPostgresStore(globalPool)

	for _, k := range []string{"idempotency:pin:LAB:a", "idempotency:pin:LAB:b"} {
		if err := s.Put(ctx, k, []byte("1"), 20*time.Millisecond); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}
	if err := s.Put(ctx, "pins:LAB:2026-03-01", []byte("{}"), time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	n, err := s.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 2 {
		t.Errorf("purged %d rows, want 2", n)
	}

	if _, err := s.Get(ctx, "pins:LAB:2026-03-01"); err != nil {
		t.Errorf("live row was purged: %v", err)
	}
}
