package temporal

import (
	"context"

	solanago "github.com/gagliardetto/solana-go"
)

// WatchStarter starts durable confirmation watches.
type WatchStarter interface {
	// StartWatch starts a watch for input.Signature, or joins the running one.
	StartWatch(ctx context.Context, input WatchInput) (string, error)

	// Watch starts a watch with default network and polling settings.
	Watch(ctx context.Context, sig solanago.Signature, wallet string) error
}
