package service

import (
	"sync"
	"testing"
	"time"
)

func TestLockTableOppositeOrderDoesNotDeadlock(t *testing.T) {
	locks := newLockTable()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("acc-a", "acc-b")
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock := locks.Lock("acc-b", "acc-a")
			unlock()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("lock acquisition deadlocked")
	}

	if n := locks.size(); n != 0 {
		t.Errorf("expected lock table to drain, %d entries left", n)
	}
}

func TestLockTableExcludes(t *testing.T) {
	locks := newLockTable()

	unlock := locks.Lock("acc-a")
	acquired := make(chan struct{})
	go func() {
		u := locks.Lock("acc-b", "acc-a")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second caller acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("second caller never acquired the lock")
	}
}

func TestLockTableIgnoresDuplicatesAndEmpty(t *testing.T) {
	locks := newLockTable()

	unlock := locks.Lock("acc-a", "", "acc-a")
	if n := locks.size(); n != 1 {
		t.Fatalf("expected 1 tracked lock, got %d", n)
	}
	unlock()
	if n := locks.size(); n != 0 {
		t.Fatalf("expected 0 tracked locks, got %d", n)
	}
}
