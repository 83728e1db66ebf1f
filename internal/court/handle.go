package court

import (
	"context"

	"github.com/windowcourt/court/internal/api"
	"github.com/windowcourt/court/internal/client"
	"github.com/windowcourt/court/internal/model"
)

// monarchHandle abstracts "the live monarch" for a WindowManager: an
// in-process object when this process wears the crown, a socket connection
// otherwise.
type monarchHandle interface {
	Pid(ctx context.Context) (int, error)
	AddPeasant(ctx context.Context, req api.AddPeasantRequest) (model.PeasantID, error)
	RemovePeasant(ctx context.Context, id model.PeasantID) error
	Propose(ctx context.Context, args model.CommandlineArgs) (api.ProposeResponse, error)
	Activate(ctx context.Context, id model.PeasantID, args model.CommandlineArgs) error
	WatchReign(ctx context.Context) error
}

type localHandle struct {
	monarch *Monarch
}

func (h localHandle) Pid(context.Context) (int, error) {
	return h.monarch.Pid(), nil
}

func (h localHandle) AddPeasant(ctx context.Context, req api.AddPeasantRequest) (model.PeasantID, error) {
	return h.monarch.AddPeasant(ctx, req), nil
}

func (h localHandle) RemovePeasant(ctx context.Context, id model.PeasantID) error {
	h.monarch.RemovePeasant(ctx, id)
	return nil
}

func (h localHandle) Propose(ctx context.Context, args model.CommandlineArgs) (api.ProposeResponse, error) {
	create, routedTo := h.monarch.ProposeCommandline(ctx, args)
	return api.ProposeResponse{ShouldCreateWindow: create, WindowID: int64(routedTo)}, nil
}

func (h localHandle) Activate(ctx context.Context, id model.PeasantID, args model.CommandlineArgs) error {
	h.monarch.HandleActivatePeasant(ctx, id, args)
	return nil
}

// WatchReign on the local monarch only ends with the caller's context: a
// king never watches itself.
func (h localHandle) WatchReign(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type remoteHandle struct {
	c *client.Monarch
}

func (h remoteHandle) Pid(ctx context.Context) (int, error) {
	return h.c.Pid(ctx)
}

func (h remoteHandle) AddPeasant(ctx context.Context, req api.AddPeasantRequest) (model.PeasantID, error) {
	resp, err := h.c.AddPeasant(ctx, req)
	if err != nil {
		return 0, err
	}
	return model.PeasantID(resp.PeasantID), nil
}

func (h remoteHandle) RemovePeasant(ctx context.Context, id model.PeasantID) error {
	return h.c.RemovePeasant(ctx, id)
}

func (h remoteHandle) Propose(ctx context.Context, args model.CommandlineArgs) (api.ProposeResponse, error) {
	return h.c.Propose(ctx, args)
}

func (h remoteHandle) Activate(ctx context.Context, id model.PeasantID, args model.CommandlineArgs) error {
	return h.c.Activate(ctx, api.ActivateRequest{PeasantID: int64(id), Args: args})
}

func (h remoteHandle) WatchReign(ctx context.Context) error {
	return h.c.WatchReign(ctx)
}
