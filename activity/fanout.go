package activity

import (
	"context"
	"log/slog"
)

// Fanout writes to a primary sink and mirrors to secondary sinks. Only the
// primary's error is returned.
type Fanout struct {
	Primary   Sink
	Secondary []Sink
	Logger    *slog.Logger
}

func (f *Fanout) Append(ctx context.Context, e Entry) error {
	if err := f.Primary.Append(ctx, e); err != nil {
		return err
	}
	for _, s := range f.Secondary {
		if err := s.Append(ctx, e); err != nil && f.Logger != nil {
			f.Logger.Warn("secondary activity sink failed", "error", err, "action", e.Action)
		}
	}
	return nil
}
