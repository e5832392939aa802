package provider

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"docsync/pkg/protocol"
)

// pushChannel keeps the server's event stream open for a degraded session.
// A failed stream is reopened after a constant delay; a destroyed document
// ends it for good.
type pushChannel struct {
	client     *PollClient
	room       string
	subscriber string
	reopen     backoff.BackOff
	handle     func(*protocol.PushEvent)
	logger     *zap.SugaredLogger
}

func newPushChannel(client *PollClient, room, subscriber string, reopenDelay time.Duration, handle func(*protocol.PushEvent), logger *zap.SugaredLogger) *pushChannel {
	return &pushChannel{
		client:     client,
		room:       room,
		subscriber: subscriber,
		reopen:     backoff.NewConstantBackOff(reopenDelay),
		handle:     handle,
		logger:     logger,
	}
}

func (p *pushChannel) run(ctx context.Context) {
	for {
		err := p.client.Stream(ctx, p.room, p.subscriber, func(e *protocol.PushEvent) bool {
			p.handle(e)
			return ctx.Err() == nil
		})
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errStreamDestroyed) {
			p.logger.Infow("Push channel closed, document destroyed", "room", p.room)
			return
		}

		delay := p.reopen.NextBackOff()
		p.logger.Warnw("Push channel failed", "room", p.room, "reopen_in", delay, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
