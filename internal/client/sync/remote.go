package sync

import (
	"context"
	"errors"

	"github.com/openmined/treesync/internal/syncapi"
	"github.com/openmined/treesync/internal/syncmsg"
)

// RemoteAPI is everything the engine needs from the sync server.
type RemoteAPI interface {
	CurrentVersion(ctx context.Context) (syncmsg.Version, error)
	Subscribe(ctx context.Context, since syncmsg.Version) (Subscription, error)
	Publish(ctx context.Context, batch *syncmsg.ChangeBatch) (syncmsg.Version, error)
	Close() error
}

// Subscription is a stream of remote batches.
// Once Batches is closed, Err explains why: nil means the server ended the stream,
// a wrapped syncapi.ErrDisconnected means it may be reopened.
type Subscription interface {
	Batches() <-chan *syncmsg.ChangeBatch
	Err() error
	Close() error
}

// NewRemote adapts a syncapi client to RemoteAPI.
func NewRemote(client *syncapi.Client) RemoteAPI {
	return &apiRemote{client: client}
}

type apiRemote struct {
	client *syncapi.Client
}

func (r *apiRemote) CurrentVersion(ctx context.Context) (syncmsg.Version, error) {
	return r.client.CurrentVersion(ctx)
}

func (r *apiRemote) Subscribe(ctx context.Context, since syncmsg.Version) (Subscription, error) {
	sub, err := r.client.Subscribe(ctx, since)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (r *apiRemote) Publish(ctx context.Context, batch *syncmsg.ChangeBatch) (syncmsg.Version, error) {
	return r.client.Publish(ctx, batch)
}

func (r *apiRemote) Close() error {
	return r.client.Close()
}

// IsAuthError reports an expired or rejected session.
func IsAuthError(err error) bool {
	return errors.Is(err, syncapi.ErrUnauthorized)
}

// IsRetryable reports transport failures that a reconnect may fix.
func IsRetryable(err error) bool {
	return errors.Is(err, syncapi.ErrDisconnected)
}
