package transport

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTaskQueue_RunsTasks(t *testing.T) {
	q := newTaskQueue(2)
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		if !q.Push(func() { ran.Add(1) }) {
			t.Fatalf("push %d refused", i)
		}
	}
	q.Shutdown()
	if got := ran.Load(); got != 10 {
		t.Errorf("ran %d tasks, want 10", got)
	}
}

func TestTaskQueue_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	q := newTaskQueue(1)
	release := make(chan struct{})
	if !q.Push(func() { <-release }) {
		t.Fatal("first task refused")
	}

	// With the single worker stalled, pushes fill the buffer and then start
	// reporting drops instead of blocking the caller.
	accepted := 1
	for q.Push(func() {}) {
		accepted++
		if accepted > taskQueueBuffer+2 {
			t.Fatal("queue never reported saturation")
		}
	}
	if accepted < taskQueueBuffer {
		t.Errorf("accepted %d tasks before saturation, want at least %d", accepted, taskQueueBuffer)
	}

	close(release)
	done := make(chan struct{})
	go func() {
		q.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not drain a previously saturated queue")
	}
}

func TestTaskQueue_PushAfterShutdown(t *testing.T) {
	q := newTaskQueue(1)
	q.Shutdown()
	if q.Push(func() { t.Error("task ran after shutdown") }) {
		t.Error("push accepted after shutdown")
	}
}
