package workspace

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"studiodesk/api/internal/store"
)

func TestClientLifecycle(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.signIn(t)

	client, err := h.ws.AddClient(context.Background(), ClientInput{Name: "Acme", Company: "Acme SL"})
	if err != nil {
		t.Fatalf("AddClient() error = %v", err)
	}
	if client.Status != store.ClientLead {
		t.Fatalf("Status = %q, want lead", client.Status)
	}

	updated, err := h.ws.UpdateClient(context.Background(), client.ID, ClientInput{Name: "Acme", Status: store.ClientActive})
	if err != nil {
		t.Fatalf("UpdateClient() error = %v", err)
	}
	if updated.Status != store.ClientActive || updated.CreatedAt != client.CreatedAt {
		t.Fatalf("UpdateClient() = %+v", updated)
	}

	before := viewOf(h.ws)
	h.backend.failOn("DeleteClient", errors.New("referenced by tasks"))
	if err := h.ws.DeleteClient(context.Background(), client.ID); err == nil {
		t.Fatalf("DeleteClient() error = nil, want failure")
	}
	if after := viewOf(h.ws); !reflect.DeepEqual(before, after) {
		t.Fatalf("state after rollback = %+v, want %+v", after, before)
	}

	if _, err := h.ws.AddClient(context.Background(), ClientInput{Name: "X", Status: "vip"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("AddClient(bad status) error = %v, want ErrInvalidInput", err)
	}
}
