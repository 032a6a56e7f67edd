package ports

import (
	"context"

	"github.com/caterpi11ar/rosbag-engine/internal/domain"
)

// Listener is the single async callback a host registers with
// PlaybackCore. It must not call back into the player synchronously;
// implementations that do will deadlock against the core's own
// serialized emission queue.
type Listener interface {
	OnPlayerState(ctx context.Context, state domain.PlayerState)
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(ctx context.Context, state domain.PlayerState)

func (f ListenerFunc) OnPlayerState(ctx context.Context, state domain.PlayerState) {
	f(ctx, state)
}
