package eventbus

import (
	"errors"
	"testing"
)

func TestFireOrder(t *testing.T) {
	bus := New()

	var order []int
	for i := 0; i < 5; i++ {
		if _, err := bus.On("tick", func(any) { order = append(order, i) }); err != nil {
			t.Fatal(err)
		}
	}

	bus.Fire("tick", nil)

	for i, got := range order {
		if got != i {
			t.Fatalf("invocation order = %v, want ascending", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("invoked %d listeners, want 5", len(order))
	}
}

func TestFireUnregisteredTypeIsNoop(t *testing.T) {
	bus := New()
	bus.Fire("nothing-here", 42) // must not panic
}

func TestOffRemovesSingleRegistration(t *testing.T) {
	bus := New()

	count := 0
	fn := func(any) { count++ }

	first, _ := bus.On("ev", fn)
	second, _ := bus.On("ev", fn)

	bus.Off("ev", first)
	bus.Fire("ev", nil)
	if count != 1 {
		t.Errorf("count = %d after removing one of two, want 1", count)
	}

	bus.Off("ev", first) // already removed, no-op
	bus.Off("ev", second)
	bus.Fire("ev", nil)
	if count != 1 {
		t.Errorf("count = %d after removing all, want 1", count)
	}
}

func TestOnce(t *testing.T) {
	bus := New()

	count := 0
	if _, err := bus.Once("ev", func(any) { count++ }); err != nil {
		t.Fatal(err)
	}

	bus.Fire("ev", nil)
	bus.Fire("ev", nil)

	if count != 1 {
		t.Errorf("once listener ran %d times, want 1", count)
	}
	if n := bus.ListenerCount("ev"); n != 0 {
		t.Errorf("ListenerCount = %d after once fired, want 0", n)
	}
}

func TestRestrictedBus(t *testing.T) {
	bus := NewRestricted("a", "b")

	if _, err := bus.On("a", func(any) {}); err != nil {
		t.Errorf("allowed type: %v", err)
	}
	if _, err := bus.On("c", func(any) {}); !errors.Is(err, ErrInvalidEventType) {
		t.Errorf("disallowed type: err = %v, want ErrInvalidEventType", err)
	}
	if _, err := bus.Once("c", func(any) {}); !errors.Is(err, ErrInvalidEventType) {
		t.Errorf("disallowed once: err = %v, want ErrInvalidEventType", err)
	}
}

func TestPayloadDelivery(t *testing.T) {
	bus := New()

	var got any
	bus.On("ev", func(p any) { got = p })
	bus.Fire("ev", "hello")

	if got != "hello" {
		t.Errorf("payload = %v, want hello", got)
	}
}
