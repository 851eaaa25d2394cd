package budget

import (
	"errors"
	"sync"
	"testing"
)

func TestCheckAndIncrement_CapEnforced(t *testing.T) {
	b := New(map[string]int{"x": 3})

	var ok, rejected int
	for range 7 {
		if err := b.CheckAndIncrement("x"); err != nil {
			rejected++
			var ee *ExceededError
			if !errors.As(err, &ee) {
				t.Fatalf("expected ExceededError, got %T", err)
			}
			if ee.Agent != "x" || ee.Cap != 3 {
				t.Errorf("unexpected error fields: %+v", ee)
			}
			continue
		}
		ok++
	}
	if ok != 3 || rejected != 4 {
		t.Errorf("expected 3 ok / 4 rejected, got %d / %d", ok, rejected)
	}
	if got := b.Count("x"); got != 3 {
		t.Errorf("rejected calls must not be charged: count=%d", got)
	}
}

func TestCheckAndIncrement_Uncapped(t *testing.T) {
	b := New(map[string]int{"other": 1})
	for range 10 {
		if err := b.CheckAndIncrement("free"); err != nil {
			t.Fatalf("uncapped agent rejected: %v", err)
		}
	}
	if _, capped := b.Remaining("free"); capped {
		t.Error("expected free to be uncapped")
	}
}

func TestCheckAndIncrement_ZeroCap(t *testing.T) {
	b := New(map[string]int{"off": 0})
	err := b.CheckAndIncrement("off")
	if !IsExceeded(err) {
		t.Fatalf("expected budget error, got %v", err)
	}
	if err.Error() != "Limite de requêtes atteinte pour l'agent 'off' (0)" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestNilBudget(t *testing.T) {
	var b *RequestBudget
	if err := b.CheckAndIncrement("any"); err != nil {
		t.Fatalf("nil budget must not reject: %v", err)
	}
	if _, capped := b.Limit("any"); capped {
		t.Error("nil budget must not report caps")
	}
	if !b.Allows("any") {
		t.Error("nil budget must allow")
	}
}

func TestRemaining(t *testing.T) {
	b := New(map[string]int{Explorer: 2, Analyst: 5})
	_ = b.CheckAndIncrement(Analyst)

	if rem, capped := b.Remaining(Explorer); !capped || rem != 2 {
		t.Errorf("explorer remaining = %d (capped=%v)", rem, capped)
	}
	if rem, capped := b.Remaining(Analyst); !capped || rem != 4 {
		t.Errorf("analyst remaining = %d (capped=%v)", rem, capped)
	}
}

func TestReset(t *testing.T) {
	caps := map[string]int{"x": 1}
	b := New(caps)
	_ = b.CheckAndIncrement("x")
	caps["x"] = 100

	if limit, _ := b.Limit("x"); limit != 1 {
		t.Errorf("caps must be copied, got %d", limit)
	}

	b.Reset(map[string]int{"x": 2})
	if b.Count("x") != 0 {
		t.Error("reset must zero counters")
	}
	if !b.Allows("x") {
		t.Error("reset budget should allow x")
	}
}

func TestConcurrentIncrements(t *testing.T) {
	b := New(map[string]int{"x": 50})

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.CheckAndIncrement("x") == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted != 50 {
		t.Errorf("expected exactly 50 accepted, got %d", accepted)
	}
	if b.Count("x") != 50 {
		t.Errorf("counter overshoot: %d", b.Count("x"))
	}
}
