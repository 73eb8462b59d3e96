package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	courier "github.com/courierq/courier/internal"
)

func TestRegisterAndResolve(t *testing.T) {
	t.Parallel()
	r := New()

	echo := courier.HandlerFunc(func(_ context.Context, in json.RawMessage) (json.RawMessage, error) {
		return in, nil
	})
	r.Register("test", "echo", echo)

	h, err := r.Resolve("test", "echo")
	if err != nil {
		t.Fatal("resolve:", err)
	}
	out, err := h.Handle(context.Background(), []byte(`{"x":1}`))
	if err != nil {
		t.Fatal("handle:", err)
	}
	if string(out) != `{"x":1}` {
		t.Errorf("output = %s, want {\"x\":1}", out)
	}

	_, err = r.Resolve("test", "missing")
	if !errors.Is(err, courier.ErrNoHandler) {
		t.Errorf("missing resolve err = %v, want ErrNoHandler", err)
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	t.Parallel()
	r := New()
	h := courier.HandlerFunc(func(_ context.Context, in json.RawMessage) (json.RawMessage, error) {
		return in, nil
	})
	r.Register("test", "echo", h)

	defer func() {
		if recover() == nil {
			t.Error("duplicate registration should panic")
		}
	}()
	r.Register("test", "echo", h)
}

func TestTypedHandler(t *testing.T) {
	t.Parallel()

	type in struct {
		A int `json:"a"`
		B int `json:"b"`
	}
	type out struct {
		Sum int `json:"sum"`
	}

	h := Typed(func(_ context.Context, i in) (out, error) {
		return out{Sum: i.A + i.B}, nil
	})

	raw, err := h.Handle(context.Background(), []byte(`{"a":2,"b":3}`))
	if err != nil {
		t.Fatal(err)
	}
	var got out
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got.Sum != 5 {
		t.Errorf("sum = %d, want 5", got.Sum)
	}
}

func TestTypedHandlerBadInput(t *testing.T) {
	t.Parallel()

	h := Typed(func(_ context.Context, i struct{ N int }) (int, error) {
		return i.N, nil
	})

	if _, err := h.Handle(context.Background(), []byte(`not json`)); err == nil {
		t.Error("malformed input should error")
	}
}
