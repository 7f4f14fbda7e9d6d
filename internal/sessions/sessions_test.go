package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hoonlabs/agentd/internal/store"
	"github.com/hoonlabs/agentd/pkg/models"
)

func TestLockManagerExclusive(t *testing.T) {
	mgr := NewLockManager(time.Second)

	release, err := mgr.Acquire(context.Background(), "sess-1", "writer-a", time.Second)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	if !mgr.IsLocked("sess-1") {
		t.Error("expected session to be locked")
	}

	if _, ok := mgr.TryAcquire("sess-1", "writer-b"); ok {
		t.Error("TryAcquire succeeded while lock held")
	}

	holder, _, locked := mgr.Holder("sess-1")
	if !locked || holder != "writer-a" {
		t.Errorf("Holder = %q, locked %v; want writer-a, true", holder, locked)
	}

	release()

	if mgr.IsLocked("sess-1") {
		t.Error("expected session to be unlocked after release")
	}

	release2, ok := mgr.TryAcquire("sess-1", "writer-b")
	if !ok {
		t.Fatal("TryAcquire failed after release")
	}
	release2()
}

func TestLockManagerTimeout(t *testing.T) {
	mgr := NewLockManager(time.Second)

	release, err := mgr.Acquire(context.Background(), "sess-1", "writer-a", time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer release()

	_, err = mgr.Acquire(context.Background(), "sess-1", "writer-b", 50*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Errorf("second acquire error = %v, want ErrLockTimeout", err)
	}
}

func TestLockManagerTimeoutThenReacquire(t *testing.T) {
	mgr := NewLockManager(time.Second)

	release, err := mgr.Acquire(context.Background(), "sess-1", "writer-a", time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	// A waiter that times out must leave the lock intact for the holder
	// and for whoever comes after the release.
	if _, err := mgr.Acquire(context.Background(), "sess-1", "writer-b", 20*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("contended acquire = %v, want ErrLockTimeout", err)
	}
	if !mgr.IsLocked("sess-1") {
		t.Error("lock dropped by a timed-out waiter")
	}

	release()

	release2, err := mgr.Acquire(context.Background(), "sess-1", "writer-b", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire after timed-out waiter failed: %v", err)
	}
	release2()
}

func TestLockManagerContextCancel(t *testing.T) {
	mgr := NewLockManager(time.Second)

	release, err := mgr.Acquire(context.Background(), "sess-1", "writer-a", time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = mgr.Acquire(ctx, "sess-1", "writer-b", 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("acquire error = %v, want context.Canceled", err)
	}
}

func TestLockManagerBlocksUntilRelease(t *testing.T) {
	mgr := NewLockManager(time.Second)

	release, err := mgr.Acquire(context.Background(), "sess-1", "writer-a", time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		r, err := mgr.Acquire(context.Background(), "sess-1", "writer-b", 2*time.Second)
		if err != nil {
			t.Errorf("waiting acquire failed: %v", err)
			close(acquired)
			return
		}
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second writer acquired before release")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second writer never acquired after release")
	}
}

func TestLockManagerIndependentSessions(t *testing.T) {
	mgr := NewLockManager(time.Second)

	r1, err := mgr.Acquire(context.Background(), "sess-1", "a", time.Second)
	if err != nil {
		t.Fatalf("acquire sess-1: %v", err)
	}
	defer r1()

	r2, err := mgr.Acquire(context.Background(), "sess-2", "b", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire sess-2 blocked by unrelated lock: %v", err)
	}
	defer r2()
}

func TestServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := NewService(store.NewMemory(), nil, "test")

	session, err := svc.Create(ctx, "alice", "first chat")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if session.ID == "" {
		t.Fatal("expected generated session id")
	}

	got, err := svc.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.User != "alice" || got.Title != "first chat" {
		t.Errorf("got user=%q title=%q", got.User, got.Title)
	}

	listed, err := svc.List(ctx, "alice")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("List returned %d sessions, want 1", len(listed))
	}

	if err := svc.Delete(ctx, session.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := svc.Get(ctx, session.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestServiceAppendAndReplace(t *testing.T) {
	ctx := context.Background()
	svc := NewService(store.NewMemory(), nil, "test")

	session, err := svc.Create(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	msgs := []models.Message{
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, Content: "hi there"},
	}
	if err := svc.Append(ctx, session.ID, msgs); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := svc.Messages(ctx, session.ID)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(got) != 2 || got[0].Content != "hello" || got[1].Content != "hi there" {
		t.Fatalf("unexpected transcript: %+v", got)
	}

	replaced := []models.Message{{Role: models.RoleUser, Content: "compressed"}}
	if err := svc.Replace(ctx, session.ID, replaced); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	got, err = svc.Messages(ctx, session.ID)
	if err != nil {
		t.Fatalf("Messages after replace failed: %v", err)
	}
	if len(got) != 1 || got[0].Content != "compressed" {
		t.Fatalf("unexpected transcript after replace: %+v", got)
	}
}

func TestServiceConcurrentAppendsSerialize(t *testing.T) {
	ctx := context.Background()
	svc := NewService(store.NewMemory(), nil, "test")

	session, err := svc.Create(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := []models.Message{{Role: models.RoleUser, Content: "m"}}
			if err := svc.Append(ctx, session.ID, msg); err != nil {
				t.Errorf("Append failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := svc.Messages(ctx, session.ID)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(got) != writers {
		t.Errorf("transcript has %d messages, want %d", len(got), writers)
	}
}

func TestServiceWithLockBlocksOtherWriters(t *testing.T) {
	ctx := context.Background()
	svc := NewService(store.NewMemory(), nil, "test")

	session, err := svc.Create(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	inFn := make(chan struct{})
	releaseFn := make(chan struct{})
	go func() {
		_ = svc.WithLock(ctx, session.ID, func(store.SessionStore) error {
			close(inFn)
			<-releaseFn
			return nil
		})
	}()

	<-inFn
	if _, ok := svc.Locks().TryAcquire(session.ID, "other"); ok {
		t.Error("lock acquired while WithLock in progress")
	}
	close(releaseFn)
}
