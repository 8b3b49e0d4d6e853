package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingReq struct{ Msg string }
type pingRep struct{ Echo string }

func TestBindAndCall(t *testing.T) {
	b := New()
	Bind(b, "svc/ping", func(ctx context.Context, env Envelope, req pingReq) (pingRep, error) {
		return pingRep{Echo: env.Caller + ":" + req.Msg}, nil
	})

	rep, err := Call[pingReq, pingRep](context.Background(), b, Envelope{Caller: "node-a"}, "svc/ping", pingReq{Msg: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "node-a:hello", rep.Echo)
}

func TestCallUnboundAddr(t *testing.T) {
	b := New()
	_, err := Call[pingReq, pingRep](context.Background(), b, Envelope{}, "svc/missing", pingReq{})
	assert.Error(t, err)
}

func TestUnbindRemovesService(t *testing.T) {
	b := New()
	Bind(b, "svc/ping", func(ctx context.Context, env Envelope, req pingReq) (pingRep, error) {
		return pingRep{}, nil
	})
	b.Unbind("svc/ping")

	_, err := Call[pingReq, pingRep](context.Background(), b, Envelope{}, "svc/ping", pingReq{})
	assert.Error(t, err)
}

type agreementEvent struct {
	AgreementID string
	Kind        string
}

func TestPublishSubscribe(t *testing.T) {
	b := New()
	events, unsub := Subscribe[agreementEvent](b, "market/agreement-events")
	defer unsub()

	b.Publish("market/agreement-events", agreementEvent{AgreementID: "a1", Kind: "Approved"})

	select {
	case e := <-events:
		assert.Equal(t, "a1", e.AgreementID)
		assert.Equal(t, "Approved", e.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestPublishIgnoresWrongType(t *testing.T) {
	b := New()
	events, unsub := Subscribe[agreementEvent](b, "topic")
	defer unsub()

	b.Publish("topic", "not-an-agreement-event")
	b.Publish("topic", agreementEvent{AgreementID: "a2"})

	select {
	case e := <-events:
		assert.Equal(t, "a2", e.AgreementID)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	events, unsub := Subscribe[agreementEvent](b, "topic")
	unsub()

	_, ok := <-events
	assert.False(t, ok)
}
