// Package bus carries build and child lifecycle events between the pipeline,
// the rebuild loop and the dev server over an in-process watermill channel.
package bus

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	gochannel "github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
)

// outputBuffer keeps slow subscribers from stalling a publisher mid-build.
const outputBuffer = 1024

// Bus bundles a gochannel pubsub with the router consuming it. Handlers
// registered before Run see every message published once the router reports
// running.
type Bus struct {
	Router     *message.Router
	Publisher  message.Publisher
	Subscriber message.Subscriber

	startOnce sync.Once
}

func NewInMemoryBus() (*Bus, error) {
	wmLogger := watermill.NopLogger{}
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: outputBuffer}, wmLogger)

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, errors.Wrap(err, "new watermill router")
	}
	return &Bus{Router: router, Publisher: ch, Subscriber: ch}, nil
}

// AddHandler registers a consumer for topic. Registration must happen
// before Run.
func (b *Bus) AddHandler(name, topic string, handler func(*message.Message) error) {
	b.Router.AddConsumerHandler(name, topic, b.Subscriber, handler)
}

// Run drives the router until ctx is cancelled. Second and later calls
// return nil without doing anything.
func (b *Bus) Run(ctx context.Context) error {
	var runErr error
	b.startOnce.Do(func() {
		stop := context.AfterFunc(ctx, func() { _ = b.Router.Close() })
		defer stop()
		runErr = b.Router.Run(ctx)
	})
	return runErr
}

// Publish wraps payload in an Envelope and publishes it. A nil publisher is a
// no-op so components stay usable without a bus wired in.
func Publish(pub message.Publisher, topic, typ string, payload any) error {
	if pub == nil {
		return nil
	}
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	raw, err := env.MarshalJSONBytes()
	if err != nil {
		return err
	}
	return pub.Publish(topic, message.NewMessage(watermill.NewUUID(), raw))
}
