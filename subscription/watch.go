package subscription

import (
	"context"
	"sync"

	"prism-sync/domain"
)

// Watch subscribes and returns the pages on a channel that always holds the latest
// undelivered page; older pages are replaced rather than queued. The channel is closed
// and the subscription released when ctx ends.
func (m *Manager) Watch(ctx context.Context, owner string, f domain.Filter) (<-chan domain.Page, *Subscription, error) {
	ch := make(chan domain.Page, 1)
	var (
		mu     sync.Mutex
		closed bool
	)
	push := func(p domain.Page) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case <-ch:
		default:
		}
		ch <- p
	}

	sub, err := m.Subscribe(ctx, owner, f, push)
	if err != nil {
		return nil, nil, err
	}
	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch, sub, nil
}
