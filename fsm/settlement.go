package fsm

// removeCheckedOut splices msgID out of consumer.CheckedOut, returning the
// removed entry.
func removeCheckedOut(consumer *Consumer, msgID uint64) (CheckedMsg, bool) {
	for i, cm := range consumer.CheckedOut {
		if cm.MsgID == msgID {
			consumer.CheckedOut = append(consumer.CheckedOut[:i], consumer.CheckedOut[i+1:]...)
			return cm, true
		}
	}
	return CheckedMsg{}, false
}

// replenishCredit applies the automatic credit top-up simple_prefetch
// consumers receive on settle and return, capped at their negotiated
// maximum. Requeue does not replenish credit: the requeue command names
// no consumer.
func replenishCredit(consumer *Consumer, n uint32) {
	if consumer.Cfg.CreditMode.Kind != CreditModeSimplePrefetch || n == 0 {
		return
	}
	consumer.Credit += n
	if consumer.Cfg.CreditMode.Max > 0 && consumer.Credit > consumer.Cfg.CreditMode.Max {
		consumer.Credit = consumer.Cfg.CreditMode.Max
	}
}

func (s *State) reactivateIfEligible(key ConsumerKey, consumer *Consumer) {
	if s.Cfg.ConsumerStrategy == StrategySingleActive {
		return
	}
	if consumer.Status == ConsumerUp && consumer.Credit > 0 && !s.ServiceQueue.Contains(key) {
		s.ServiceSeq++
		consumer.SvcSeq = s.ServiceSeq
		s.ServiceQueue.Push(key, consumer.Priority, consumer.SvcSeq)
	}
}

// detachIfDrained removes a once-lifetime consumer as soon as it has
// nothing left checked out, mirroring removeConsumerEntirely. A
// once-lifetime consumer (cfg.lifetime = once, §3) exists only to shepherd
// the batch it was handed at attach time to settlement; unlike an
// auto-lifetime consumer it is never meant to sit idle in the registry
// waiting for its next delivery. Reports whether the consumer was
// detached, so callers know not to touch it further (reactivate, credit).
func (s *State) detachIfDrained(key ConsumerKey, consumer *Consumer) bool {
	if consumer.Cfg.Lifetime != LifetimeOnce || len(consumer.CheckedOut) > 0 {
		return false
	}
	s.removeConsumerEntirely(key, consumer)
	return true
}

// applySettle implements settle: an unknown consumer key is rejected with
// ErrInvalidConsumerKey and leaves state unchanged; unknown msg_ids are
// skipped (idempotent, §5).
func (s *State) applySettle(meta Meta, cmd Command) (*State, Reply, []Effect) {
	key, ok := s.resolveConsumerKey(cmd.ConsumerKey)
	if !ok {
		return s, replyErr(ErrInvalidConsumerKey), nil
	}
	consumer := s.Consumers[key]

	var settled uint32
	for _, id := range cmd.MsgIDs {
		cm, found := removeCheckedOut(consumer, id)
		if !found {
			continue
		}
		s.RaIndexes.Delete(cm.Ref.Index)
		s.MsgBytesCheckout -= cm.Ref.Header.SizeBytes
		s.MessagesTotal--
		settled++
	}
	if !s.detachIfDrained(key, consumer) {
		replenishCredit(consumer, settled)
		s.reactivateIfEligible(key, consumer)
	}
	s.touchActivity(meta)

	effects := s.runCheckoutEngine(meta)
	return s, replyOK(), effects
}

// applyReturn implements return: incrementing delivery_count, DLXing on
// delivery_limit, otherwise inserting the message into returns, which is
// kept in ascending index order (§4.6).
func (s *State) applyReturn(meta Meta, cmd Command) (*State, Reply, []Effect) {
	key, ok := s.resolveConsumerKey(cmd.ConsumerKey)
	if !ok {
		return s, replyErr(ErrInvalidConsumerKey), nil
	}
	consumer := s.Consumers[key]

	var effects []Effect
	var returned uint32
	for _, id := range cmd.MsgIDs {
		cm, found := removeCheckedOut(consumer, id)
		if !found {
			continue
		}
		cm.Ref.Header.DeliveryCount++

		if s.Cfg.DeliveryLimit > 0 && cm.Ref.Header.DeliveryCount > s.Cfg.DeliveryLimit {
			effects = append(effects, s.handOffToDLX(cm.Ref, "delivery_limit", dlxFromCheckedOut))
			continue
		}

		s.MsgBytesCheckout -= cm.Ref.Header.SizeBytes
		s.insertReturn(cm.Ref)
		s.MsgBytesEnqueue += cm.Ref.Header.SizeBytes
		returned++
	}
	if !s.detachIfDrained(key, consumer) {
		replenishCredit(consumer, returned)
		s.reactivateIfEligible(key, consumer)
	}
	s.touchActivity(meta)

	effects = append(effects, s.runCheckoutEngine(meta)...)
	return s, replyOK(), effects
}

// insertReturn inserts ref into Returns keeping ascending index order.
func (s *State) insertReturn(ref MsgRef) {
	i := 0
	for i < len(s.Returns) && s.Returns[i].Index < ref.Index {
		i++
	}
	s.Returns = append(s.Returns, MsgRef{})
	copy(s.Returns[i+1:], s.Returns[i:])
	s.Returns[i] = ref
}

// applyDiscard implements discard: hand each listed message to DLX with
// reason "rejected", in the order the client listed them.
func (s *State) applyDiscard(meta Meta, cmd Command) (*State, Reply, []Effect) {
	key, ok := s.resolveConsumerKey(cmd.ConsumerKey)
	if !ok {
		return s, replyErr(ErrInvalidConsumerKey), nil
	}
	consumer := s.Consumers[key]

	var effects []Effect
	for _, id := range cmd.MsgIDs {
		cm, found := removeCheckedOut(consumer, id)
		if !found {
			continue
		}
		effects = append(effects, s.handOffToDLX(cm.Ref, "rejected", dlxFromCheckedOut))
	}
	s.detachIfDrained(key, consumer)
	s.touchActivity(meta)

	effects = append(effects, s.runCheckoutEngine(meta)...)
	return s, replyOK(), effects
}

// applyRequeue implements the internal requeue command: a message whose
// consumer was cancelled without exceeding delivery_limit is re-appended
// to messages at a fresh log index.
func (s *State) applyRequeue(meta Meta, cmd Command) (*State, Reply, []Effect) {
	s.RaIndexes.Delete(cmd.OldIndex)

	header := cmd.RequeueHeader
	header.DeliveryCount++
	ref := MsgRef{Index: meta.Index, Header: header}

	s.Messages = append(s.Messages, ref)
	s.RaIndexes.Append(meta.Index)
	s.MsgBytesEnqueue += header.SizeBytes
	s.touchActivity(meta)

	effects := s.runCheckoutEngine(meta)
	return s, replyOK(), effects
}

// applyDefer implements defer: restart the consumer-lock timer on the
// listed checked-out messages and reactivate a timed-out consumer.
func (s *State) applyDefer(meta Meta, cmd Command) (*State, Reply, []Effect) {
	key, ok := s.resolveConsumerKey(cmd.ConsumerKey)
	if !ok {
		return s, replyErr(ErrInvalidConsumerKey), nil
	}
	consumer := s.Consumers[key]

	for _, id := range cmd.MsgIDs {
		for i := range consumer.CheckedOut {
			if consumer.CheckedOut[i].MsgID == id {
				consumer.CheckedOut[i].DeadlineTS = meta.SystemTime
			}
		}
	}
	if consumer.Status == ConsumerTimedOut {
		consumer.Status = ConsumerUp
		s.reactivateIfEligible(key, consumer)
	}
	s.touchActivity(meta)

	effects := s.runCheckoutEngine(meta)
	return s, replyOK(), effects
}
