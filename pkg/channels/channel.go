package channels

import "context"

// Channel is an ingress channel runtime (LINE webhook, Telegram polling, ...).
// Channels hand messages to the agent themselves; the registry only owns
// their lifecycle.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Funcs adapts a pair of functions to Channel. Nil functions are no-ops.
type Funcs struct {
	ChannelName string
	StartFunc   func(ctx context.Context) error
	StopFunc    func(ctx context.Context) error
}

func (f Funcs) Name() string {
	return f.ChannelName
}

func (f Funcs) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

func (f Funcs) Stop(ctx context.Context) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(ctx)
}
