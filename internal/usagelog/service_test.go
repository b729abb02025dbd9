package usagelog

import (
	"testing"
	"time"
)

func TestServiceFlushesOnStop(t *testing.T) {
	repo := newTestRepo(t)
	svc := NewService(ServiceConfig{
		Repo:          repo,
		QueueSize:     64,
		FlushBatch:    32,
		FlushInterval: time.Hour, // only the stop-drain should flush
	})
	svc.Start()

	now := time.Now()
	for i := 0; i < 10; i++ {
		svc.Record(entryAt("k1", "owner-a", now, 200))
	}
	svc.Stop()

	count, err := repo.CountSince("owner-a", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 10 {
		t.Errorf("count = %d, want 10", count)
	}
}

func TestServiceFlushesOnInterval(t *testing.T) {
	repo := newTestRepo(t)
	svc := NewService(ServiceConfig{
		Repo:          repo,
		QueueSize:     64,
		FlushBatch:    1000,
		FlushInterval: 20 * time.Millisecond,
	})
	svc.Start()
	defer svc.Stop()

	svc.Record(entryAt("k1", "owner-a", time.Now(), 200))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		count, err := repo.CountSince("owner-a", time.Unix(0, 0))
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if count == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("entry never flushed by the interval ticker")
}

func TestServiceRecordDropsOnOverflowWithoutBlocking(t *testing.T) {
	repo := newTestRepo(t)
	svc := NewService(ServiceConfig{
		Repo:          repo,
		QueueSize:     4,
		FlushBatch:    2,
		FlushInterval: time.Hour,
	})
	// Not started: the queue fills and Record must drop instead of block.

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			svc.Record(entryAt("k1", "owner-a", time.Now(), 200))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full queue")
	}
}
