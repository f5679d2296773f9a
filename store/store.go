// Package store defines the shared-state primitive the session core is
// written against: a path-addressed mutable tree with change notification
// and a server-applied on-disconnect effect.
package store

import "context"

// Token identifies a live subscription.
type Token string

// Store is the abstract shared mutable store. Paths are slash-separated
// ("rooms/tictactoe/AB23XZ/host"). Values are JSON-serializable.
//
// Writing nil deletes the node. SubscribeValue delivers the current value
// first (nil when absent), then every change at or beneath the path.
// SubscribeAppended delivers existing entries in order, then new ones.
// Callback delivery is serialized per store; no two callbacks of the same
// subscriber run concurrently.
type Store interface {
	ReadOnce(ctx context.Context, path string) (any, error)
	Write(ctx context.Context, path string, v any) error
	Append(ctx context.Context, path string, v any) (string, error)

	SubscribeValue(path string, fn func(v any)) Token
	SubscribeAppended(path string, fn func(key string, v any)) Token
	Unsubscribe(token Token)

	// On-disconnect effects are owned by this client connection and run
	// store-side when the connection drops, independent of the client.
	OnDisconnectSet(path string, v any) error
	OnDisconnectRemove(path string) error
	CancelOnDisconnect(path string) error
}
