package workspace

import (
	"context"
	"strings"
	"time"

	"studiodesk/api/internal/store"
	"studiodesk/api/internal/util"
)

type ClientInput struct {
	Name    string `json:"name"`
	Company string `json:"company"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Status  string `json:"status"`
	Notes   string `json:"notes"`
}

func (in ClientInput) apply(client store.Client) (store.Client, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return client, invalid("client name is required")
	}
	status := in.Status
	if status == "" {
		status = store.ClientLead
	}
	switch status {
	case store.ClientLead, store.ClientActive, store.ClientInactive:
	default:
		return client, invalid("unknown client status %q", in.Status)
	}
	client.Name = name
	client.Company = strings.TrimSpace(in.Company)
	client.Email = strings.TrimSpace(in.Email)
	client.Phone = strings.TrimSpace(in.Phone)
	client.Status = status
	client.Notes = in.Notes
	return client, nil
}

func (w *Workspace) AddClient(ctx context.Context, in ClientInput) (store.Client, error) {
	client, err := in.apply(store.Client{ID: util.NewID("cli"), CreatedAt: time.Now().UTC()})
	if err != nil {
		return store.Client{}, err
	}
	err = w.run(ctx, mutation{
		action: "add client",
		apply:  func() (func(), error) { return insertUndo(w.clients, client, client.ID) },
		write:  func(ctx context.Context) error { return w.deps.Backend.InsertClient(ctx, client) },
	})
	if err != nil {
		return store.Client{}, err
	}
	return client, nil
}

func (w *Workspace) UpdateClient(ctx context.Context, clientID string, in ClientInput) (store.Client, error) {
	var next store.Client
	err := w.run(ctx, mutation{
		action: "update client",
		apply: func() (func(), error) {
			prev, ok := w.clients.Get(clientID)
			if !ok {
				return nil, ErrNotFound
			}
			updated, err := in.apply(prev)
			if err != nil {
				return nil, err
			}
			next = updated
			return putUndo(w.clients, clientID, next)
		},
		write: func(ctx context.Context) error { return w.deps.Backend.UpdateClient(ctx, next) },
	})
	if err != nil {
		return store.Client{}, err
	}
	return next, nil
}

func (w *Workspace) DeleteClient(ctx context.Context, clientID string) error {
	return w.run(ctx, mutation{
		action: "delete client",
		apply:  func() (func(), error) { return deleteUndo(w.clients, clientID) },
		write:  func(ctx context.Context) error { return w.deps.Backend.DeleteClient(ctx, clientID) },
	})
}
