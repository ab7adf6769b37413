// Package bus provides the fan-out mechanism that lets a broadcast
// reach connections held by other server instances. Channels are keyed
// by document id.
package bus

import "context"

// Bus is a publish/subscribe transport. Publish is best-effort: callers
// log failures and carry on in single-instance mode.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe joins a channel and returns the stream of payloads
	// published to it. The stream is closed by Unsubscribe and Close.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Unsubscribe(ctx context.Context, channel string) error
	Close() error
}
