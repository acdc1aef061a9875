package app

import "context"

// ServeRelay is the `tabsync relay` entrypoint. It blocks until ctx is done.
// It returns an error instead of calling os.Exit to keep defers effective.
func ServeRelay(ctx context.Context, cfg Config, log Logger) error {
	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
