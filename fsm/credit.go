package fsm

// combinedReply carries more than one logical reply message emitted for a
// single command, in emission order.
type combinedReply struct {
	Parts []interface{}
}

// applyCredit implements the credit command for both flow-control
// protocols (§4.5). Credit for an unknown consumer is ignored. Credit for
// a waiting (inactive) single-active consumer is recorded but reports
// available=0, since it cannot be serviced until it becomes active.
func (s *State) applyCredit(meta Meta, cmd Command) (*State, Reply, []Effect) {
	key, ok := s.resolveConsumerKey(cmd.ConsumerKey)
	if !ok {
		return s, replyOK(), nil
	}
	consumer := s.Consumers[key]

	if s.isWaiting(key) {
		consumer.Credit = cmd.Credit
		return s, Reply{Kind: creditReplyMsg{
			Tag:           consumer.Cfg.Tag,
			DeliveryCount: consumer.DeliveryCount,
			Credit:        consumer.Credit,
			Available:     0,
			Drain:         cmd.Drain,
		}}, nil
	}

	switch consumer.Cfg.CreditMode.Kind {
	case CreditModeSimplePrefetch:
		return s.applyCreditV1(meta, key, consumer, cmd)
	default:
		return s.applyCreditV2(meta, key, consumer, cmd)
	}
}

func (s *State) applyCreditV1(meta Meta, key ConsumerKey, consumer *Consumer, cmd Command) (*State, Reply, []Effect) {
	consumer.Credit = cmd.Credit
	if consumer.Status == ConsumerUp && consumer.Credit > 0 {
		s.ServiceSeq++
		consumer.SvcSeq = s.ServiceSeq
		s.ServiceQueue.Push(key, consumer.Priority, consumer.SvcSeq)
	}

	effects := s.runCheckoutEngine(meta)
	messagesReady := uint64(len(s.Messages) + len(s.Returns))

	if cmd.Drain && consumer.Credit > 0 {
		consumer.DeliveryCount += consumer.Credit
		consumer.Credit = 0
		s.ServiceQueue.Remove(key)
		return s, Reply{Kind: combinedReply{Parts: []interface{}{
			sendCreditReply{Tag: consumer.Cfg.Tag, MessagesReady: messagesReady},
			sendDrainedReply{Tag: consumer.Cfg.Tag, DeliveryCount: consumer.DeliveryCount},
		}}}, effects
	}

	return s, Reply{Kind: sendCreditReply{Tag: consumer.Cfg.Tag, MessagesReady: messagesReady}}, effects
}

func (s *State) applyCreditV2(meta Meta, key ConsumerKey, consumer *Consumer, cmd Command) (*State, Reply, []Effect) {
	linkCreditSnd := int64(cmd.ReceiverDeliveryCount) + int64(cmd.Credit) - int64(consumer.DeliveryCount)
	if linkCreditSnd < 0 {
		linkCreditSnd = 0
	}
	consumer.Credit = uint32(linkCreditSnd)
	if consumer.Status == ConsumerUp && consumer.Credit > 0 {
		s.ServiceSeq++
		consumer.SvcSeq = s.ServiceSeq
		s.ServiceQueue.Push(key, consumer.Priority, consumer.SvcSeq)
	}

	effects := s.runCheckoutEngine(meta)

	if cmd.Drain && consumer.Credit > 0 {
		consumer.DeliveryCount += consumer.Credit
		consumer.Credit = 0
		s.ServiceQueue.Remove(key)
	}

	available := uint64(len(s.Messages) + len(s.Returns))
	// The credit_reply must be observed after delivery effects on the
	// wire, so it rides along as a reply effect appended at the tail of
	// the effect list rather than through the plain return-value channel.
	effects = append(effects, Effect{
		Type:      EffectReply,
		ReplyTo:   &consumer.Cfg.Pid,
		ReplyTerm: creditReplyMsg{Tag: consumer.Cfg.Tag, DeliveryCount: consumer.DeliveryCount, Credit: consumer.Credit, Available: available, Drain: cmd.Drain},
	})

	return s, replyOK(), effects
}

func (s *State) isWaiting(key ConsumerKey) bool {
	for _, k := range s.WaitingConsumers {
		if k == key {
			return true
		}
	}
	return false
}
