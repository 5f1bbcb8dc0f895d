package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesHandler(t *testing.T) {
	b, err := NewInMemoryBus()
	require.NoError(t, err)

	received := make(chan Envelope, 4)
	b.AddHandler("capture", TopicBuild, func(msg *message.Message) error {
		env, err := ParseEnvelope(msg.Payload)
		if err != nil {
			return err
		}
		received <- env
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	select {
	case <-b.Router.Running():
	case <-time.After(3 * time.Second):
		t.Fatal("router never started")
	}

	require.NoError(t, Publish(b.Publisher, TopicBuild, TypeBuildCompleted, BuildCompleted{
		BuildID: "b-1", App: "app", DurationMS: 42, Files: 3,
	}))

	select {
	case env := <-received:
		require.Equal(t, TypeBuildCompleted, env.Type)
		var ev BuildCompleted
		require.NoError(t, json.Unmarshal(env.Payload, &ev))
		require.Equal(t, "b-1", ev.BuildID)
		require.Equal(t, 3, ev.Files)
	case <-time.After(3 * time.Second):
		t.Fatal("message never delivered")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bus did not stop")
	}
}

func TestPublishWithNilPublisherIsNoop(t *testing.T) {
	require.NoError(t, Publish(nil, TopicChild, TypeChildStarted, ChildStarted{PID: 1}))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeChildExited, ChildExited{PID: 42, Killed: true})
	require.NoError(t, err)

	b, err := env.MarshalJSONBytes()
	require.NoError(t, err)

	parsed, err := ParseEnvelope(b)
	require.NoError(t, err)
	require.Equal(t, TypeChildExited, parsed.Type)

	var ev ChildExited
	require.NoError(t, json.Unmarshal(parsed.Payload, &ev))
	require.Equal(t, 42, ev.PID)
	require.True(t, ev.Killed)
}

func TestEnvelopeRequiresType(t *testing.T) {
	_, err := NewEnvelope("", nil)
	require.Error(t, err)

	_, err = ParseEnvelope([]byte(`{"payload":{}}`))
	require.Error(t, err)

	_, err = ParseEnvelope([]byte("not-json"))
	require.Error(t, err)
}
