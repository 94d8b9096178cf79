package watch

import "context"

// Notification is one server-to-client message.
type Notification struct {
	Method string
	Params any
}

// Notifier delivers notifications to one client connection. The websocket
// transport adapts a JSON-RPC connection; tests use NotifierFunc.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }
