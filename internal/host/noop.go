package host

import "context"

// NoopStream blocks until its context is cancelled and then reports a
// closed stream. It stands in for the concrete host connection this
// extension would otherwise be embedded against; a real archive/execution
// node integration replaces it with its own Stream implementation.
type NoopStream struct{}

// Next blocks until ctx is done.
func (NoopStream) Next(ctx context.Context) (Notification, bool, error) {
	<-ctx.Done()
	return nil, false, nil
}
