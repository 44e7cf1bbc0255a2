package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(configure func(*QueueConfig)) *State {
	cfg := DefaultQueueConfig("orders", "res-1")
	if configure != nil {
		configure(&cfg)
	}
	return New(cfg)
}

func enqueue(t *testing.T, s *State, index uint64, body string) []Effect {
	t.Helper()
	meta := Meta{Index: index, SystemTime: int64(index) * 1000}
	_, reply, effects := Apply(s, meta, Command{Type: CmdEnqueue, Payload: []byte(body)})
	require.IsType(t, okReply{}, reply.Kind)
	return effects
}

func attach(t *testing.T, s *State, index uint64, tag string, prefetch uint32, priority int32) ConsumerKey {
	t.Helper()
	meta := Meta{Index: index, SystemTime: int64(index) * 1000}
	_, reply, _ := Apply(s, meta, Command{
		Type:           CmdCheckout,
		ConsumerTag:    tag,
		ConsumerPid:    Pid{Node: "n1", ID: tag},
		Prefetch:       prefetch,
		CreditModeKind: CreditModeSimplePrefetch,
		CreditModeMax:  prefetch,
		Priority:       priority,
		Lifetime:       LifetimeAuto,
	})
	summary, ok := reply.Kind.(checkoutSummaryReply)
	require.True(t, ok, "expected checkout summary reply, got %#v", reply.Kind)
	return summary.ConsumerKey
}

// deliveredIndexes flattens every delivery effect addressed to key, in the
// order the entries were appended, across possibly-chunked effects.
func deliveredIndexes(effects []Effect, key ConsumerKey) []uint64 {
	var out []uint64
	for _, e := range effects {
		if e.Delivery == nil || e.Delivery.ConsumerKey != key {
			continue
		}
		for _, entry := range e.Delivery.Entries {
			out = append(out, entry.Index)
		}
	}
	return out
}

func deliveredMsgIDs(effects []Effect, key ConsumerKey) []uint64 {
	var out []uint64
	for _, e := range effects {
		if e.Delivery == nil || e.Delivery.ConsumerKey != key {
			continue
		}
		for _, entry := range e.Delivery.Entries {
			out = append(out, entry.MsgID)
		}
	}
	return out
}

func checkInvariants(t *testing.T, s *State) {
	t.Helper()

	checkedOutTotal := uint64(0)
	checkoutBytes := uint64(0)
	for _, c := range s.Consumers {
		checkedOutTotal += uint64(len(c.CheckedOut))
		for _, cm := range c.CheckedOut {
			checkoutBytes += cm.Ref.Header.SizeBytes
			assert.True(t, s.RaIndexes.Contains(cm.Ref.Index), "checked-out index %d missing from ra_indexes", cm.Ref.Index)
		}
	}
	assert.Equal(t, s.MessagesTotal, uint64(len(s.Messages))+uint64(len(s.Returns))+checkedOutTotal+s.DLX.Count, "invariant 1: messages_total")

	liveCount := len(s.Messages) + len(s.Returns) + int(checkedOutTotal)
	assert.Equal(t, liveCount, s.RaIndexes.Len(), "invariant 2: ra_indexes size")
	for _, ref := range s.Messages {
		assert.True(t, s.RaIndexes.Contains(ref.Index))
	}
	for _, ref := range s.Returns {
		assert.True(t, s.RaIndexes.Contains(ref.Index))
	}

	for key, c := range s.Consumers {
		if s.ServiceQueue.Contains(key) {
			assert.Equal(t, ConsumerUp, c.Status, "invariant 3: only up consumers with credit sit in service_queue")
			assert.Greater(t, c.Credit, uint32(0))
		}
	}

	if s.Cfg.ConsumerStrategy == StrategySingleActive {
		activeCount := 0
		for _, c := range s.Consumers {
			if c.Status == ConsumerUp || c.Status == ConsumerFading {
				activeCount++
			}
		}
		assert.LessOrEqual(t, activeCount, 1, "invariant 4: at most one active/fading consumer under single_active")
	}

	var enqueueBytes, checkoutBytesSum uint64
	for _, ref := range s.Messages {
		enqueueBytes += ref.Header.SizeBytes
	}
	for _, ref := range s.Returns {
		enqueueBytes += ref.Header.SizeBytes
	}
	for _, c := range s.Consumers {
		for _, cm := range c.CheckedOut {
			checkoutBytesSum += cm.Ref.Header.SizeBytes
		}
	}
	assert.Equal(t, enqueueBytes, s.MsgBytesEnqueue, "invariant 5: msg_bytes_enqueue")
	assert.Equal(t, checkoutBytesSum, s.MsgBytesCheckout, "invariant 5: msg_bytes_checkout")
}

func TestS1BasicFIFO(t *testing.T) {
	s := newTestQueue(nil)
	enqueue(t, s, 0, "a")
	enqueue(t, s, 1, "b")
	effects := enqueue(t, s, 2, "c")
	checkInvariants(t, s)

	meta := Meta{Index: 3, SystemTime: 3000}
	_, reply, ceEffects := Apply(s, meta, Command{Type: CmdCheckout, ConsumerTag: "c1", ConsumerPid: Pid{Node: "n1", ID: "c1"}, Prefetch: 10, CreditModeKind: CreditModeSimplePrefetch, CreditModeMax: 10, Lifetime: LifetimeAuto})
	summary, ok := reply.Kind.(checkoutSummaryReply)
	require.True(t, ok, "expected checkout summary reply, got %#v", reply.Kind)
	key := summary.ConsumerKey
	_ = effects
	got := deliveredIndexes(ceEffects, key)
	assert.Equal(t, []uint64{0, 1, 2}, got)
	checkInvariants(t, s)

	consumer := s.Consumers[key]
	msgIDs := make([]uint64, len(consumer.CheckedOut))
	for i, cm := range consumer.CheckedOut {
		msgIDs[i] = cm.MsgID
	}

	_, _, _ = Apply(s, Meta{Index: 4, SystemTime: 4000}, Command{
		Type:        CmdSettle,
		ConsumerKey: &ConsumerKeyRef{Canonical: &key},
		MsgIDs:      msgIDs,
	})
	checkInvariants(t, s)
	assert.Equal(t, uint64(0), s.MessagesTotal)
	assert.Equal(t, 0, s.RaIndexes.Len())
}

func TestS2ReturnPreservesOrder(t *testing.T) {
	s := newTestQueue(nil)
	enqueue(t, s, 0, "a")
	enqueue(t, s, 1, "b")

	_, reply, effects := Apply(s, Meta{Index: 2, SystemTime: 2000}, Command{Type: CmdCheckout, ConsumerTag: "c1", ConsumerPid: Pid{Node: "n1", ID: "c1"}, Prefetch: 10, CreditModeKind: CreditModeSimplePrefetch, CreditModeMax: 10, Lifetime: LifetimeAuto})
	summary, ok := reply.Kind.(checkoutSummaryReply)
	require.True(t, ok, "expected checkout summary reply, got %#v", reply.Kind)
	key := summary.ConsumerKey
	assert.Equal(t, []uint64{0, 1}, deliveredIndexes(effects, key))

	consumer := s.Consumers[key]
	var msgIDForB uint64
	for _, cm := range consumer.CheckedOut {
		if cm.Ref.Index == 1 {
			msgIDForB = cm.MsgID
		}
	}

	_, _, _ = Apply(s, Meta{Index: 3, SystemTime: 3000}, Command{
		Type:        CmdReturn,
		ConsumerKey: &ConsumerKeyRef{Canonical: &key},
		MsgIDs:      []uint64{msgIDForB},
	})
	checkInvariants(t, s)

	_, reply2, effects2 := Apply(s, Meta{Index: 4, SystemTime: 4000}, Command{Type: CmdCheckout, ConsumerTag: "c2", ConsumerPid: Pid{Node: "n1", ID: "c2"}, Prefetch: 1, CreditModeKind: CreditModeSimplePrefetch, CreditModeMax: 1, Lifetime: LifetimeAuto})
	summary2, ok := reply2.Kind.(checkoutSummaryReply)
	require.True(t, ok, "expected checkout summary reply, got %#v", reply2.Kind)
	key2 := summary2.ConsumerKey
	assert.Equal(t, []uint64{1}, deliveredIndexes(effects2, key2), "returns drain before messages")
	checkInvariants(t, s)
}

func TestS3DeliveryLimitToDLX(t *testing.T) {
	s := newTestQueue(func(c *QueueConfig) { c.DeliveryLimit = 2 })
	enqueue(t, s, 0, "x")

	_, reply, effects := Apply(s, Meta{Index: 1, SystemTime: 1000}, Command{Type: CmdCheckout, ConsumerTag: "c1", ConsumerPid: Pid{Node: "n1", ID: "c1"}, Prefetch: 1, CreditModeKind: CreditModeSimplePrefetch, CreditModeMax: 1, Lifetime: LifetimeAuto})
	summary, ok := reply.Kind.(checkoutSummaryReply)
	require.True(t, ok, "expected checkout summary reply, got %#v", reply.Kind)
	key := summary.ConsumerKey
	require.Len(t, deliveredIndexes(effects, key), 1)

	idx := uint64(2)
	for i := 0; i < 3; i++ {
		consumer := s.Consumers[key]
		require.Len(t, consumer.CheckedOut, 1, "iteration %d", i)
		msgID := consumer.CheckedOut[0].MsgID
		_, _, _ = Apply(s, Meta{Index: idx, SystemTime: int64(idx) * 1000}, Command{
			Type:        CmdReturn,
			ConsumerKey: &ConsumerKeyRef{Canonical: &key},
			MsgIDs:      []uint64{msgID},
		})
		idx++
		checkInvariants(t, s)
	}

	assert.Equal(t, uint64(0), s.MessagesReady())
	assert.Equal(t, uint64(1), s.DLX.Count)
	assert.Equal(t, uint64(1), s.DLX.ByReason["delivery_limit"])
}

func TestS4DropHeadOverflow(t *testing.T) {
	s := newTestQueue(func(c *QueueConfig) {
		c.MaxLength = 2
		c.OverflowStrategy = OverflowDropHead
	})
	enqueue(t, s, 0, "1")
	enqueue(t, s, 1, "2")
	enqueue(t, s, 2, "3")
	checkInvariants(t, s)

	assert.Equal(t, uint64(1), s.DLX.Count)
	assert.Equal(t, uint64(1), s.DLX.ByReason["maxlen"])
	require.Len(t, s.Messages, 2)
	assert.Equal(t, uint64(1), s.Messages[0].Index)
	assert.Equal(t, uint64(2), s.Messages[1].Index)
}

func TestS5RejectPublishThenResume(t *testing.T) {
	s := newTestQueue(func(c *QueueConfig) {
		c.MaxLength = 2
		c.OverflowStrategy = OverflowRejectPublish
	})
	pub := Pid{Node: "n1", ID: "p1"}

	_, _, _ = Apply(s, Meta{Index: 0, SystemTime: 0, From: &pub}, Command{Type: CmdEnqueue, Pid: &pub, Seqno: 0, Payload: []byte("1")})
	_, _, _ = Apply(s, Meta{Index: 1, SystemTime: 1000, From: &pub}, Command{Type: CmdEnqueue, Pid: &pub, Seqno: 1, Payload: []byte("2")})
	_, _, effects := Apply(s, Meta{Index: 2, SystemTime: 2000, From: &pub}, Command{Type: CmdEnqueue, Pid: &pub, Seqno: 2, Payload: []byte("3")})

	blocked := false
	for _, e := range effects {
		if e.Type == EffectSendMsg {
			if p, ok := e.Payload.(QueueStatusPayload); ok && p.Status == "reject_publish" {
				blocked = true
			}
		}
	}
	assert.True(t, blocked, "expected reject_publish status effect")
	checkInvariants(t, s)

	// draining two of the three ready messages via checkout brings ready
	// to 1, at or below the soft watermark (2 * 0.8 = 1.6), which should
	// unblock the publisher without requiring a settle.
	_, _, effects2 := Apply(s, Meta{Index: 3, SystemTime: 3000}, Command{Type: CmdCheckout, ConsumerTag: "c1", ConsumerPid: Pid{Node: "n1", ID: "c1"}, Prefetch: 2, CreditModeKind: CreditModeSimplePrefetch, CreditModeMax: 2, Lifetime: LifetimeAuto})

	resumed := false
	for _, e := range effects2 {
		if e.Type == EffectSendMsg {
			if p, ok := e.Payload.(QueueStatusPayload); ok && p.Status == "go" {
				resumed = true
			}
		}
	}
	assert.True(t, resumed, "expected go status effect once below soft watermark")
	checkInvariants(t, s)
}

func TestS6SingleActivePreempt(t *testing.T) {
	s := newTestQueue(func(c *QueueConfig) { c.ConsumerStrategy = StrategySingleActive })

	keyA := attach(t, s, 0, "A", 10, 5)
	assert.Equal(t, ConsumerUp, s.Consumers[keyA].Status)

	effects := enqueue(t, s, 1, "m")
	got := deliveredIndexes(effects, keyA)
	require.Equal(t, []uint64{1}, got)
	require.Len(t, s.Consumers[keyA].CheckedOut, 1)
	msgID := s.Consumers[keyA].CheckedOut[0].MsgID
	checkInvariants(t, s)

	keyB := attach(t, s, 2, "B", 10, 10)
	assert.Equal(t, ConsumerFading, s.Consumers[keyA].Status, "A should fade: has pending checked-out and B outranks it")
	assert.Equal(t, ConsumerWaiting, s.Consumers[keyB].Status)
	checkInvariants(t, s)

	_, _, _ = Apply(s, Meta{Index: 3, SystemTime: 3000}, Command{
		Type:        CmdSettle,
		ConsumerKey: &ConsumerKeyRef{Canonical: &keyA},
		MsgIDs:      []uint64{msgID},
	})
	assert.Equal(t, ConsumerWaiting, s.Consumers[keyA].Status, "A moves to waiting once drained")
	assert.Equal(t, ConsumerUp, s.Consumers[keyB].Status, "B becomes active")
	checkInvariants(t, s)

	effects2 := enqueue(t, s, 4, "n")
	assert.Equal(t, []uint64{4}, deliveredIndexes(effects2, keyB), "next enqueue goes to B")
	checkInvariants(t, s)
}

func TestSettleIsIdempotent(t *testing.T) {
	s := newTestQueue(nil)
	enqueue(t, s, 0, "a")
	_, reply, _ := Apply(s, Meta{Index: 1, SystemTime: 1000}, Command{Type: CmdCheckout, ConsumerTag: "c1", ConsumerPid: Pid{Node: "n1", ID: "c1"}, Prefetch: 10, CreditModeKind: CreditModeSimplePrefetch, CreditModeMax: 10, Lifetime: LifetimeAuto})
	summary, ok := reply.Kind.(checkoutSummaryReply)
	require.True(t, ok, "expected checkout summary reply, got %#v", reply.Kind)
	key := summary.ConsumerKey
	msgID := s.Consumers[key].CheckedOut[0].MsgID

	s1, _, _ := Apply(s, Meta{Index: 2, SystemTime: 2000}, Command{Type: CmdSettle, ConsumerKey: &ConsumerKeyRef{Canonical: &key}, MsgIDs: []uint64{msgID}})
	before := s1.MessagesTotal

	s2, _, _ := Apply(s1, Meta{Index: 3, SystemTime: 3000}, Command{Type: CmdSettle, ConsumerKey: &ConsumerKeyRef{Canonical: &key}, MsgIDs: []uint64{msgID}})
	assert.Equal(t, before, s2.MessagesTotal, "settling an already-settled msg_id is a no-op")
}

func TestDuplicateEnqueueSilentlyDropped(t *testing.T) {
	s := newTestQueue(nil)
	pub := Pid{Node: "n1", ID: "p1"}
	_, _, _ = Apply(s, Meta{Index: 0, SystemTime: 0}, Command{Type: CmdEnqueue, Pid: &pub, Seqno: 0, Payload: []byte("a")})
	_, reply, _ := Apply(s, Meta{Index: 1, SystemTime: 1000}, Command{Type: CmdEnqueue, Pid: &pub, Seqno: 0, Payload: []byte("dup")})
	assert.IsType(t, okReply{}, reply.Kind)
	assert.Equal(t, uint64(1), s.MessagesTotal)
}

func TestOutOfSequenceEnqueue(t *testing.T) {
	s := newTestQueue(nil)
	pub := Pid{Node: "n1", ID: "p1"}
	_, reply, _ := Apply(s, Meta{Index: 0, SystemTime: 0}, Command{Type: CmdEnqueue, Pid: &pub, Seqno: 5, Payload: []byte("a")})
	assert.IsType(t, outOfSequenceReply{}, reply.Kind)
	assert.Equal(t, uint64(0), s.MessagesTotal)
}
