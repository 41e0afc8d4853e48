package fused

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWriteOnceThenReadForever(t *testing.T) {
	ctx := context.Background()
	l := New(0)

	g, err := l.Exclusive(ctx)
	if err != nil {
		t.Fatalf("exclusive: %v", err)
	}
	*g.Value() = 5
	g.Release()

	var eg errgroup.Group
	for i := 0; i < 2; i++ {
		eg.Go(func() error {
			sg, err := l.Shared(ctx)
			if err != nil {
				return err
			}
			defer sg.Release()
			if *sg.Value() != 5 {
				return errors.New("reader did not observe the written value")
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("shared readers: %v", err)
	}

	if _, ok := l.TryExclusive(); ok {
		t.Fatal("exclusive acquisition succeeded after fusing")
	}
	if !l.IsFused() {
		t.Fatal("lock should be fused after first shared acquisition")
	}
}

func TestExclusiveRefusedDuringAndAfterShare(t *testing.T) {
	l := New("cfg")

	sg, ok := l.TryShared()
	if !ok {
		t.Fatal("shared acquisition on a free lock failed")
	}
	if _, ok := l.TryExclusive(); ok {
		t.Fatal("exclusive acquisition succeeded while shared held")
	}
	sg.Release()
	if _, ok := l.TryExclusive(); ok {
		t.Fatal("exclusive acquisition succeeded after last reader released")
	}
	if _, err := l.Exclusive(context.Background()); !errors.Is(err, ErrFused) {
		t.Fatalf("expected ErrFused, got %v", err)
	}
}

func TestExclusiveMutualExclusion(t *testing.T) {
	l := New(0)

	var acquired atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := l.TryExclusive(); ok {
				acquired.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if got := acquired.Load(); got != 1 {
		t.Fatalf("expected exactly one exclusive acquisition, got %d", got)
	}
}

func TestExclusiveSerializesWriters(t *testing.T) {
	ctx := context.Background()
	l := New(0)

	const writers = 8
	const perWriter = 200
	var eg errgroup.Group
	for i := 0; i < writers; i++ {
		eg.Go(func() error {
			for j := 0; j < perWriter; j++ {
				g, err := l.Exclusive(ctx)
				if err != nil {
					return err
				}
				*g.Value()++ // not atomic on purpose, the guard is the protection
				g.Release()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("writer: %v", err)
	}

	sg, ok := l.TryShared()
	if !ok {
		t.Fatal("shared acquisition failed on free lock")
	}
	defer sg.Release()
	if *sg.Value() != writers*perWriter {
		t.Fatalf("lost updates: got %d, want %d", *sg.Value(), writers*perWriter)
	}
}

func TestExclusiveRepeatsBeforeFirstShare(t *testing.T) {
	ctx := context.Background()
	l := New([]string{})

	for i := 0; i < 10; i++ {
		g, err := l.Exclusive(ctx)
		if err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
		*g.Value() = append(*g.Value(), "x")
		g.Release()
		if l.IsFused() {
			t.Fatalf("round %d: fused without any shared acquisition", i)
		}
	}
	if _, ok := l.TryShared(); !ok {
		t.Fatal("shared acquisition failed")
	}
	if !l.IsFused() {
		t.Fatal("lock should be fused")
	}
}

func TestReleaseRestoresAcquisition(t *testing.T) {
	l := New(0)

	g, ok := l.TryExclusive()
	if !ok {
		t.Fatal("exclusive acquisition failed")
	}
	g.Release()
	g2, ok := l.TryExclusive()
	if !ok {
		t.Fatal("exclusive acquisition failed after exclusive release")
	}
	g2.Release()

	a, _ := l.TryShared()
	b, _ := l.TryShared()
	a.Release()
	b.Release()
	// Free again, but fused: readers and fusers proceed, writers never.
	if _, ok := l.TryShared(); !ok {
		t.Fatal("shared acquisition failed on a free fused lock")
	}
	if !l.TryFuse() {
		t.Fatal("TryFuse reported false on a fused lock")
	}
}

func TestConcurrentSharedHolders(t *testing.T) {
	ctx := context.Background()
	l := New(7)

	const readers = 16
	var holding sync.WaitGroup
	var done sync.WaitGroup
	release := make(chan struct{})
	holding.Add(readers)
	done.Add(readers)
	for i := 0; i < readers; i++ {
		go func() {
			defer done.Done()
			sg, err := l.Shared(ctx)
			if err != nil {
				t.Errorf("shared: %v", err)
				holding.Done()
				return
			}
			holding.Done()
			<-release
			sg.Release()
		}()
	}
	holding.Wait()
	// All readers hold the lock at this point.
	if _, ok := l.TryExclusive(); ok {
		t.Fatal("exclusive acquisition succeeded while readers held the lock")
	}
	close(release)
	done.Wait()
}

func TestBlockedWaitersWakeOnRelease(t *testing.T) {
	ctx := context.Background()
	l := New(0)

	g, _ := l.TryExclusive()

	const waiters = 8
	var eg errgroup.Group
	started := make(chan struct{}, waiters)
	for i := 0; i < waiters; i++ {
		eg.Go(func() error {
			started <- struct{}{}
			sg, err := l.Shared(ctx)
			if err != nil {
				return err
			}
			sg.Release()
			return nil
		})
	}
	for i := 0; i < waiters; i++ {
		<-started
	}
	// Give the waiters a chance to park before the release.
	time.Sleep(10 * time.Millisecond)
	g.Release()

	waitDone := make(chan error, 1)
	go func() { waitDone <- eg.Wait() }()
	select {
	case err := <-waitDone:
		if err != nil {
			t.Fatalf("waiter: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiters were not woken by the exclusive release")
	}
}

func TestBlockedExclusiveWaiterLearnsOfFusing(t *testing.T) {
	ctx := context.Background()
	l := New(0)

	g, _ := l.TryExclusive()

	result := make(chan error, 1)
	go func() {
		w, err := l.Exclusive(ctx)
		if err == nil {
			w.Release()
		}
		result <- err
	}()
	time.Sleep(10 * time.Millisecond)

	g.Release()
	// Race the parked writer for the lock. Whichever side wins, the waiter
	// must finish promptly: with a guard it acquired before the fuse, or
	// with ErrFused after it.
	for {
		if _, ok := l.TryShared(); ok {
			break
		}
	}

	select {
	case err := <-result:
		if err != nil && !errors.Is(err, ErrFused) {
			t.Fatalf("unexpected waiter error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("exclusive waiter hung on a fused lock")
	}
	if !l.IsFused() {
		t.Fatal("lock should be fused")
	}
}

func TestAcquisitionHonorsContext(t *testing.T) {
	l := New(0)
	g, _ := l.TryExclusive()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Shared(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	if _, err := l.Exclusive(ctx2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	// A cancelled wait leaves no state behind.
	g.Release()
	if l.IsFused() {
		t.Fatal("cancelled waiters must not fuse the lock")
	}
	g2, ok := l.TryExclusive()
	if !ok {
		t.Fatal("exclusive acquisition failed after cancelled waits")
	}
	g2.Release()
}

func TestFuseWithoutGuard(t *testing.T) {
	ctx := context.Background()
	l := New(3)

	if _, ok := l.Read(); ok {
		t.Fatal("Read succeeded before fusing")
	}
	g, _ := l.TryExclusive()
	if l.TryFuse() {
		t.Fatal("TryFuse succeeded while exclusive held")
	}
	g.Release()

	if err := l.Fuse(ctx); err != nil {
		t.Fatalf("fuse: %v", err)
	}
	p, ok := l.Read()
	if !ok || *p != 3 {
		t.Fatalf("Read after fuse: ok %v value %v", ok, p)
	}
	if _, ok := l.TryExclusive(); ok {
		t.Fatal("exclusive acquisition succeeded after Fuse")
	}
}

func TestGetFusesOnDemand(t *testing.T) {
	ctx := context.Background()
	l := New(42)

	p, err := l.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if *p != 42 {
		t.Fatalf("unexpected value %d", *p)
	}
	if !l.IsFused() {
		t.Fatal("Get must fuse the lock")
	}
	q, ok := l.Read()
	if !ok || q != p {
		t.Fatal("Read should return the same payload pointer")
	}
}
