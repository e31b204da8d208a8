package lock

import (
	"path/filepath"
	"sync"
	"testing"
)

func TestMutexMapSerializesPerKey(t *testing.T) {
	m := NewMutexMap()

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("task:a")
			counter++
			m.Unlock("task:a")
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
}

func TestMutexMapIndependentKeys(t *testing.T) {
	m := NewMutexMap()
	m.Lock("task:a")
	defer m.Unlock("task:a")

	done := make(chan struct{})
	go func() {
		m.Lock("task:b")
		m.Unlock("task:b")
		close(done)
	}()
	<-done // would deadlock if keys shared a mutex
}

func TestFileLockExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")

	first := NewFileLock(path)
	if err := first.TryLock(); err != nil {
		t.Fatalf("first TryLock: %v", err)
	}

	second := NewFileLock(path)
	if err := second.TryLock(); err == nil {
		t.Error("second TryLock should fail while first holds the lock")
		_ = second.Unlock()
	}

	if err := first.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	if err := second.TryLock(); err != nil {
		t.Errorf("TryLock after release: %v", err)
	}
	_ = second.Unlock()
}
