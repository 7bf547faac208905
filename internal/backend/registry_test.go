package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/jbweber/storaged/internal/pool"
)

type stubBackend struct {
	typeName string
}

func (s *stubBackend) TypeName() string { return s.typeName }

func (s *stubBackend) RefreshPool(ctx context.Context, obj *pool.Object) error { return nil }

func TestRegisterAndForType(t *testing.T) {
	b := &stubBackend{typeName: "stub-registry-test"}
	Register(b)

	got, err := ForType("stub-registry-test")
	if err != nil {
		t.Fatalf("ForType() error = %v", err)
	}
	if got != b {
		t.Fatalf("ForType() returned a different backend")
	}
}

func TestForTypeUnknown(t *testing.T) {
	_, err := ForType("no-such-pool-type")
	if !errors.Is(err, ErrNotSupported) {
		t.Fatalf("ForType() error = %v, want ErrNotSupported", err)
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("second Register did not panic")
		}
	}()
	Register(&stubBackend{typeName: "stub-dup-test"})
	Register(&stubBackend{typeName: "stub-dup-test"})
}
