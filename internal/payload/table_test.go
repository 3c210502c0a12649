package payload

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"
)

func record(out *[]string, name string) HandlerFunc {
	return func(context.Context, Message) error {
		*out = append(*out, name)
		return nil
	}
}

func TestDispatchPriorityOrderWithStableTies(t *testing.T) {
	tbl := NewTable(zaptest.NewLogger(t))
	var got []string
	id := TypeID("example.Ping")

	regs := []struct {
		name string
		p    Priority
	}{
		{"low", PriorityLow},
		{"normal-1", PriorityNormal},
		{"highest", PriorityHighest},
		{"normal-2", PriorityNormal},
		{"lowest", PriorityLowest},
		{"high", PriorityHigh},
		{"normal-3", PriorityNormal},
	}
	for _, r := range regs {
		if err := tbl.Register(id, Handler{Priority: r.p, Listener: r.name, Fn: record(&got, r.name)}); err != nil {
			t.Fatalf("register %s: %v", r.name, err)
		}
	}

	res := tbl.Dispatch(context.Background(), Message{Type: id, Origin: "a", Value: &ping{}})
	want := []string{"highest", "high", "normal-1", "normal-2", "normal-3", "low", "lowest"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("order mismatch:\n got=%v\nwant=%v", got, want)
	}
	if res.Invoked != len(want) || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	tbl := NewTable(zaptest.NewLogger(t))
	id := TypeID("example.Ping")
	var got []string

	_ = tbl.Register(id, Handler{Priority: PriorityHighest, Listener: "first", Fn: record(&got, "first")})
	_ = tbl.Register(id, Handler{Priority: PriorityHigh, Listener: "erring", Fn: func(context.Context, Message) error {
		got = append(got, "erring")
		return errors.New("boom")
	}})
	_ = tbl.Register(id, Handler{Priority: PriorityNormal, Listener: "panicking", Fn: func(context.Context, Message) error {
		got = append(got, "panicking")
		panic("kaboom")
	}})
	_ = tbl.Register(id, Handler{Priority: PriorityLow, Listener: "last", Fn: record(&got, "last")})

	res := tbl.Dispatch(context.Background(), Message{Type: id})
	want := []string{"first", "erring", "panicking", "last"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("order mismatch: got=%v want=%v", got, want)
	}
	if res.Invoked != 4 || res.Failed != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDispatchWithoutHandlersIsNoop(t *testing.T) {
	tbl := NewTable(nil)
	res := tbl.Dispatch(context.Background(), Message{Type: "nobody.Listens"})
	if res.Invoked != 0 || res.Failed != 0 {
		t.Fatalf("expected no-op, got %+v", res)
	}
}

func TestRegisterRejectsInvalidHandler(t *testing.T) {
	tbl := NewTable(nil)
	if err := tbl.Register("x", Handler{Priority: PriorityNormal}); !errors.Is(err, ErrInvalidHandler) {
		t.Fatalf("nil fn: expected ErrInvalidHandler, got %v", err)
	}
	fn := func(context.Context, Message) error { return nil }
	if err := tbl.Register("x", Handler{Priority: Priority(9), Fn: fn}); !errors.Is(err, ErrInvalidHandler) {
		t.Fatalf("bad priority: expected ErrInvalidHandler, got %v", err)
	}
	if err := tbl.Register("", Handler{Fn: fn}); !errors.Is(err, ErrInvalidHandler) {
		t.Fatalf("empty id: expected ErrInvalidHandler, got %v", err)
	}
}

func TestConcurrentRegistrationDuringDispatch(t *testing.T) {
	tbl := NewTable(nil)
	id := TypeID("example.Ping")
	var mu sync.Mutex
	calls := make(map[string]int)
	counting := func(name string) HandlerFunc {
		return func(context.Context, Message) error {
			mu.Lock()
			calls[name]++
			mu.Unlock()
			return nil
		}
	}
	_ = tbl.Register(id, Handler{Priority: PriorityNormal, Listener: "base", Fn: counting("base")})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = tbl.Register(id, Handler{Priority: Priority(i % 5), Listener: "late", Fn: counting("late")})
		}
	}()
	const dispatches = 200
	go func() {
		defer wg.Done()
		for i := 0; i < dispatches; i++ {
			tbl.Dispatch(context.Background(), Message{Type: id})
		}
	}()
	wg.Wait()

	if calls["base"] != dispatches {
		t.Fatalf("base handler ran %d times, want %d", calls["base"], dispatches)
	}
	if n := len(tbl.Handlers(id)); n != 51 {
		t.Fatalf("expected 51 handlers, got %d", n)
	}
}

func TestHandleTypedAdapter(t *testing.T) {
	var seen *ping
	var from string
	fn := Handle(func(_ context.Context, origin string, v *ping) error {
		seen, from = v, origin
		return nil
	})
	if err := fn(context.Background(), Message{Type: "p", Origin: "A", Value: &ping{Seq: 3}}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if seen == nil || seen.Seq != 3 || from != "A" {
		t.Fatalf("unexpected delivery: %+v from %q", seen, from)
	}
	if err := fn(context.Background(), Message{Type: "p", Value: &echo{}}); err == nil {
		t.Fatalf("expected error for mismatched value")
	}
}
