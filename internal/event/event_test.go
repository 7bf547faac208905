package event

import (
	"testing"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
)

func TestDispatch(t *testing.T) {
	s := NewState()

	lifecycle := make(chan Lifecycle, 4)
	refresh := make(chan Refresh, 4)
	s.RegisterLifecycle(func(ev Lifecycle) { lifecycle <- ev })
	s.RegisterRefresh(func(ev Refresh) { refresh <- ev })

	id := uuid.New()
	s.Queue(Lifecycle{Pool: "images", UUID: id, Event: libvirt.StoragePoolEventStarted})
	s.Queue(Refresh{Pool: "images", UUID: id})
	s.Close()

	got := <-lifecycle
	if got.Pool != "images" || got.UUID != id || got.Event != libvirt.StoragePoolEventStarted {
		t.Fatalf("lifecycle event = %+v", got)
	}
	if got := <-refresh; got.Pool != "images" {
		t.Fatalf("refresh event = %+v", got)
	}
}

func TestDeregister(t *testing.T) {
	s := NewState()

	calls := make(chan struct{}, 4)
	id := s.RegisterLifecycle(func(Lifecycle) { calls <- struct{}{} })
	s.Deregister(id)

	s.Queue(Lifecycle{Pool: "images"})
	s.Close()

	select {
	case <-calls:
		t.Fatalf("deregistered handler was called")
	default:
	}
}
