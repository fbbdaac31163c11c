package proxy

import (
	"sync"
	"testing"
	"time"
)

func TestExchangeTable_RegisterAndResolve(t *testing.T) {
	table := NewExchangeTable()

	ex := table.Register("GET", "/", time.Now())
	if ex.ID == "" {
		t.Fatal("expected non-empty exchange ID")
	}
	if table.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", table.Len())
	}
	if ex.Method != "GET" || ex.Path != "/" {
		t.Errorf("Method, Path = %q, %q", ex.Method, ex.Path)
	}

	if !table.resolve(ex.ID, exchangeResult{body: []byte("ok")}) {
		t.Fatal("resolve should succeed for pending exchange")
	}
	if table.Len() != 0 {
		t.Errorf("Len() = %d after resolve, want 0", table.Len())
	}

	res := <-ex.result
	if string(res.body) != "ok" {
		t.Errorf("body = %q, want %q", res.body, "ok")
	}
}

func TestExchangeTable_ReleaseBeforeResolve(t *testing.T) {
	table := NewExchangeTable()
	ex := table.Register("GET", "/slow", time.Now())

	if !table.Release(ex.ID) {
		t.Fatal("Release should succeed for pending exchange")
	}
	if table.Release(ex.ID) {
		t.Error("second Release should report false")
	}
	if table.resolve(ex.ID, exchangeResult{}) {
		t.Error("resolve after Release should report false")
	}
	if table.Len() != 0 {
		t.Errorf("Len() = %d, want 0", table.Len())
	}
}

func TestExchangeTable_UniqueIDs(t *testing.T) {
	table := NewExchangeTable()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		ex := table.Register("GET", "/", time.Now())
		if seen[ex.ID] {
			t.Fatalf("duplicate exchange ID %q", ex.ID)
		}
		seen[ex.ID] = true
	}
	if table.Len() != 100 {
		t.Errorf("Len() = %d, want 100", table.Len())
	}
}

func TestExchangeTable_ConcurrentAccess(t *testing.T) {
	table := NewExchangeTable()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ex := table.Register("GET", "/", time.Now())
			_ = table.Len()
			if i%2 == 0 {
				table.resolve(ex.ID, exchangeResult{})
			} else {
				table.Release(ex.ID)
			}
		}(i)
	}
	wg.Wait()

	if table.Len() != 0 {
		t.Errorf("Len() = %d, want 0", table.Len())
	}
}
