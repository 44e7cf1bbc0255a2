package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelConsumer_UnknownKeyIsConsumerNotFound(t *testing.T) {
	s := newTestQueue(nil)
	bogus := ConsumerKey(999)

	_, reply, effects := Apply(s, Meta{Index: 1, SystemTime: 1000}, Command{
		Type:        CmdCancelConsumer,
		ConsumerKey: &ConsumerKeyRef{Canonical: &bogus},
	})

	errReply, ok := reply.Kind.(errorReply)
	require.True(t, ok, "expected an error reply, got %#v", reply.Kind)
	assert.ErrorIs(t, errReply.Err, ErrConsumerNotFound)
	assert.Nil(t, effects)
}

func TestCancelConsumer_StaysRegisteredUntilSettled(t *testing.T) {
	s := newTestQueue(nil)
	enqueue(t, s, 1, "m1")
	key := attach(t, s, 2, "c1", 1, 0)

	_, reply, _ := Apply(s, Meta{Index: 3, SystemTime: 3000}, Command{
		Type:        CmdCancelConsumer,
		ConsumerKey: &ConsumerKeyRef{Canonical: &key},
	})
	require.IsType(t, okReply{}, reply.Kind)

	consumer, ok := s.Consumers[key]
	require.True(t, ok, "cancelled consumer must stay registered")
	assert.Equal(t, ConsumerCancelled, consumer.Status)
	assert.Len(t, consumer.CheckedOut, 1, "outstanding delivery is not returned until settled")

	_, reply, _ = Apply(s, Meta{Index: 4, SystemTime: 4000}, Command{
		Type:        CmdSettle,
		ConsumerKey: &ConsumerKeyRef{Canonical: &key},
		MsgIDs:      []uint64{0},
	})
	require.IsType(t, okReply{}, reply.Kind)
	_, stillThere := s.Consumers[key]
	assert.True(t, stillThere, "settling a cancelled consumer's last message does not itself deregister it")
}

func TestRemoveConsumer_ReturnsOutstandingImmediatelyAndDeregisters(t *testing.T) {
	s := newTestQueue(nil)
	enqueue(t, s, 1, "m1")
	key := attach(t, s, 2, "c1", 1, 0)
	require.Len(t, s.Messages, 0, "message must have been delivered to c1")

	_, reply, _ := Apply(s, Meta{Index: 3, SystemTime: 3000}, Command{
		Type:        CmdRemoveConsumer,
		ConsumerKey: &ConsumerKeyRef{Canonical: &key},
	})
	require.IsType(t, okReply{}, reply.Kind)

	_, ok := s.Consumers[key]
	assert.False(t, ok, "remove_consumer must deregister immediately")
	assert.Len(t, s.Returns, 1, "the outstanding message must be returned to the queue")
}

func TestRemoveConsumer_UnknownKeyIsConsumerNotFound(t *testing.T) {
	s := newTestQueue(nil)
	bogus := ConsumerKey(999)

	_, reply, _ := Apply(s, Meta{Index: 1, SystemTime: 1000}, Command{
		Type:        CmdRemoveConsumer,
		ConsumerKey: &ConsumerKeyRef{Canonical: &bogus},
	})

	errReply, ok := reply.Kind.(errorReply)
	require.True(t, ok, "expected an error reply, got %#v", reply.Kind)
	assert.ErrorIs(t, errReply.Err, ErrConsumerNotFound)
}

func TestDequeueUnsettled_DetachesOnceLifetimeConsumerAfterSettle(t *testing.T) {
	s := newTestQueue(nil)
	enqueue(t, s, 1, "m1")

	_, reply, _ := Apply(s, Meta{Index: 2, SystemTime: 2000}, Command{
		Type:              CmdCheckout,
		IsDequeueSpec:     true,
		DequeueSettlement: "unsettled",
		ConsumerTag:       "c1",
		ConsumerPid:       Pid{Node: "n1", ID: "c1"},
	})
	dq, ok := reply.Kind.(dequeueMessageReply)
	require.True(t, ok, "expected a dequeue reply, got %#v", reply.Kind)
	key := dq.ConsumerKey

	_, stillThere := s.Consumers[key]
	require.True(t, stillThere, "the ephemeral once-lifetime consumer is registered while its draw is outstanding")

	_, settleReply, _ := Apply(s, Meta{Index: 3, SystemTime: 3000}, Command{
		Type:        CmdSettle,
		ConsumerKey: &ConsumerKeyRef{Canonical: &key},
		MsgIDs:      []uint64{0},
	})
	require.IsType(t, okReply{}, settleReply.Kind)

	_, stillThere = s.Consumers[key]
	assert.False(t, stillThere, "a once-lifetime consumer must detach once its single draw is settled")
}

func TestEvaluateReleaseCursor_AdvancesAfterSettleNotJustEnqueue(t *testing.T) {
	s := newTestQueue(func(cfg *QueueConfig) {
		cfg.ReleaseCursorInterval.Base = 1
		cfg.ReleaseCursorInterval.Current = 1
	})

	enqueue(t, s, 1, "m1")
	key := attach(t, s, 2, "c1", 1, 0)

	// A pending cursor was stamped at index 1 by the enqueue above (current
	// threshold of 1 was crossed); it cannot be released until
	// smallest_live_index moves past it, which enqueue alone cannot do
	// once the message is checked out rather than sitting ready.
	require.NotEmpty(t, s.ReleaseCursors, "enqueue should have stamped a pending cursor")

	_, _, effects := Apply(s, Meta{Index: 3, SystemTime: 3000}, Command{
		Type:        CmdSettle,
		ConsumerKey: &ConsumerKeyRef{Canonical: &key},
		MsgIDs:      []uint64{0},
	})

	var released bool
	for _, eff := range effects {
		if eff.Type == EffectReleaseCursor {
			released = true
		}
	}
	assert.True(t, released, "settle must be able to advance the release cursor on its own, not only enqueue/garbage_collection")
	assert.Empty(t, s.ReleaseCursors, "the cursor pending before settle must have been released")
}
