package sandbox

import "testing"

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusSucceeded, StatusFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []Status{StatusPending, StatusWarm, StatusExecuting, StatusUnknown}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestPooledAvailable(t *testing.T) {
	p := &Pooled{Handle: &Handle{Status: StatusWarm}}
	if !p.Available() {
		t.Fatal("warm unacquired sandbox should be available")
	}

	p.Acquired = true
	if p.Available() {
		t.Fatal("acquired sandbox must not be available")
	}

	p.Acquired = false
	p.Handle.Status = StatusExecuting
	if p.Available() {
		t.Fatal("executing sandbox must not be available")
	}
}

func TestEndpoint(t *testing.T) {
	h := &Handle{Host: "10.1.2.3", Port: 8080}
	if got := h.Endpoint(); got != "http://10.1.2.3:8080" {
		t.Fatalf("Endpoint() = %q", got)
	}
}
