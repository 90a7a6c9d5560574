package config

import (
	"sync"
	"testing"
)

func TestManager_GetReturnsClone(t *testing.T) {
	m := NewManager(&Config{General: General{DBPath: "a.db"}})
	got := m.Get()
	got.General.DBPath = "mutated.db"
	if m.Get().General.DBPath != "a.db" {
		t.Fatal("mutating a Get() result leaked into the manager's state")
	}
}

func TestManager_ConcurrentGetSet(t *testing.T) {
	m := NewManager(&Config{General: General{DBPath: "a.db"}})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _ = m.Get() }()
		go func() { defer wg.Done(); m.Set(&Config{General: General{DBPath: "b.db"}}) }()
	}
	wg.Wait()
}

func TestManager_ReloadRejectsEmptyPath(t *testing.T) {
	m := NewManager(&Config{})
	if err := m.Reload(""); err == nil {
		t.Fatal("expected error reloading empty path")
	}
}
