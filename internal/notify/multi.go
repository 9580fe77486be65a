package notify

import (
	"context"
	"errors"
)

type closer interface {
	Close(ctx context.Context) error
}

// Multi 把同一事件分发给多个通知渠道。
type Multi []Notifier

func (m Multi) NotifyTaskPass(ctx context.Context, evt TaskPassEvent) {
	for _, n := range m {
		if n != nil {
			n.NotifyTaskPass(ctx, evt)
		}
	}
}

func (m Multi) Close(ctx context.Context) error {
	var errs []error
	for _, n := range m {
		if c, ok := n.(closer); ok {
			if err := c.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
