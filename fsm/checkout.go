package fsm

const deliveryChunkCapBytes = 128 * 1024

// peekFrontRef returns the head of the combined returns++messages view
// without removing it. returns are drained before messages (§4.3).
func (s *State) peekFrontRef() (*MsgRef, bool) {
	if len(s.Returns) > 0 {
		return &s.Returns[0], true
	}
	if len(s.Messages) > 0 {
		return &s.Messages[0], true
	}
	return nil, false
}

// popFrontRef removes and returns the head of the combined view.
func (s *State) popFrontRef() (MsgRef, bool) {
	if len(s.Returns) > 0 {
		ref := s.Returns[0]
		s.Returns = s.Returns[1:]
		return ref, true
	}
	if len(s.Messages) > 0 {
		ref := s.Messages[0]
		s.Messages = s.Messages[1:]
		return ref, true
	}
	return MsgRef{}, false
}

// expireHeadMessages drops any head message whose TTL has elapsed,
// hands each to DLX with reason "expired", and produces the timer effect
// that arms the next expiry check (§4.8).
func (s *State) expireHeadMessages(meta Meta) []Effect {
	var effects []Effect
	for {
		ref, ok := s.peekFrontRef()
		if !ok || ref.Header.ExpiryTS == nil || *ref.Header.ExpiryTS > meta.SystemTime {
			break
		}
		taken, _ := s.popFrontRef()
		effects = append(effects, s.handOffToDLX(taken, "expired", dlxFromReady))
	}

	delay := int64(-1)
	if ref, ok := s.peekFrontRef(); ok && ref.Header.ExpiryTS != nil {
		d := *ref.Header.ExpiryTS - meta.SystemTime
		if d < 0 {
			d = 0
		}
		delay = d
	}
	effects = append(effects, timerEffect("expire_msgs", delay))
	return effects
}

// runCheckoutEngine is the main loop of §4.4: it runs after every mutating
// command. It expires TTL'd heads, then repeatedly pairs the next eligible
// consumer with the next ready message until either is exhausted, batching
// deliveries per consumer.
func (s *State) runCheckoutEngine(meta Meta) []Effect {
	var effects []Effect

	if s.Cfg.ConsumerStrategy == StrategySingleActive {
		effects = append(effects, s.runActivationLadder(meta)...)
	}

	effects = append(effects, s.expireHeadMessages(meta)...)

	deliveries := map[ConsumerKey]*Delivery{}
	var order []ConsumerKey

	for {
		key, ok := s.ServiceQueue.Pop()
		if !ok {
			break
		}
		consumer, exists := s.Consumers[key]
		if !exists || consumer.Status != ConsumerUp || consumer.Credit == 0 {
			continue
		}
		if _, ok := s.peekFrontRef(); !ok {
			s.ServiceQueue.Push(key, consumer.Priority, consumer.SvcSeq)
			break
		}
		taken, _ := s.popFrontRef()

		s.MsgBytesEnqueue -= taken.Header.SizeBytes
		s.MsgBytesCheckout += taken.Header.SizeBytes
		s.RaIndexes.Append(taken.Index)

		msgID := consumer.NextMsgID
		consumer.NextMsgID++
		consumer.CheckedOut = append(consumer.CheckedOut, CheckedMsg{
			DeadlineTS: meta.SystemTime,
			MsgID:      msgID,
			Ref:        taken,
		})
		consumer.Credit--
		consumer.DeliveryCount++

		if consumer.Status == ConsumerUp && consumer.Credit > 0 {
			s.ServiceQueue.Push(key, consumer.Priority, consumer.SvcSeq)
		}

		d, ok := deliveries[key]
		if !ok {
			d = &Delivery{ConsumerKey: key, ConsumerTag: consumer.Cfg.Tag, ConsumerPid: consumer.Cfg.Pid}
			deliveries[key] = d
			order = append(order, key)
		}
		d.Entries = append(d.Entries, DeliveryEntry{MsgID: msgID, Index: taken.Index, Header: taken.Header})
	}

	for _, key := range order {
		effects = append(effects, s.deliveryEffects(*deliveries[key])...)
	}
	s.MsgCache = nil

	// re-evaluated here rather than at each call site: every mutating
	// command routes through runCheckoutEngine, and §4.8 requires the
	// length/byte check after each one.
	effects = append(effects, s.evaluateLimits(meta)...)

	// same reasoning as evaluateLimits above: smallest_live_index can
	// advance past a pending cursor after settle, return, discard, purge,
	// down, or a consumer timeout just as easily as after an enqueue, so
	// this is checked on every pass through here rather than only where
	// ra_indexes happens to grow (§4.9).
	effects = append(effects, s.evaluateReleaseCursor(meta)...)

	return effects
}

// deliveryEffects turns one consumer's accumulated batch into one or more
// send_msg/log effects, chunked so no effect carries more than
// deliveryChunkCapBytes of payload, except that a single message larger
// than the cap goes out alone in its own chunk.
func (s *State) deliveryEffects(d Delivery) []Effect {
	var out []Effect
	var cur []DeliveryEntry
	var curBytes uint64

	flush := func(cache *MsgCacheEntry) {
		if len(cur) == 0 {
			return
		}
		chunk := Delivery{ConsumerKey: d.ConsumerKey, ConsumerTag: d.ConsumerTag, ConsumerPid: d.ConsumerPid, Entries: cur}
		if len(cur) == 1 && cache != nil && cache.Index == cur[0].Index {
			chunk.InlineBody = cache.Body
			pid := d.ConsumerPid
			out = append(out, Effect{Type: EffectSendMsg, SendTo: &pid, Delivery: &chunk})
		} else {
			idxs := make([]uint64, len(cur))
			for i, e := range cur {
				idxs[i] = e.Index
			}
			out = append(out, Effect{Type: EffectLog, Indexes: idxs, LogTag: "deliver", Delivery: &chunk})
		}
		cur = nil
		curBytes = 0
	}

	cache := s.MsgCache
	for _, e := range d.Entries {
		if curBytes+e.Header.SizeBytes > deliveryChunkCapBytes && len(cur) > 0 {
			flush(cache)
		}
		cur = append(cur, e)
		curBytes += e.Header.SizeBytes
	}
	flush(cache)
	return out
}

// applyCheckout implements the checkout command: attaching (or merging) a
// consumer, or, when spec is a dequeue (basic.get) request, drawing a
// single message synchronously.
func (s *State) applyCheckout(meta Meta, cmd Command) (*State, Reply, []Effect) {
	if cmd.IsDequeueSpec {
		return s.applyDequeue(meta, cmd)
	}

	key, existed := s.resolveConsumerKey(cmd.ConsumerKey)
	var consumer *Consumer
	if existed {
		consumer = s.Consumers[key]
		consumer.Credit = cmd.Prefetch
		consumer.Priority = cmd.Priority
		consumer.Cfg.CreditMode = CreditMode{Kind: cmd.CreditModeKind, Max: cmd.CreditModeMax, InitialDeliveryCount: cmd.CreditModeInitial}
		if cmd.ConsumerMeta != nil {
			consumer.Cfg.Meta = cmd.ConsumerMeta
		}
		if consumer.Status == ConsumerTimedOut {
			consumer.Status = ConsumerUp
		}
	} else {
		key = ConsumerKey(meta.Index)
		consumer = &Consumer{
			Key: key,
			Cfg: ConsumerCfg{
				Tag:        cmd.ConsumerTag,
				Pid:        cmd.ConsumerPid,
				Lifetime:   cmd.Lifetime,
				CreditMode: CreditMode{Kind: cmd.CreditModeKind, Max: cmd.CreditModeMax, InitialDeliveryCount: cmd.CreditModeInitial},
				Meta:       cmd.ConsumerMeta,
			},
			Credit:        cmd.Prefetch,
			DeliveryCount: cmd.CreditModeInitial,
			Status:        ConsumerUp,
			Priority:      cmd.Priority,
		}
		s.Consumers[key] = consumer
		s.LegacyKeys[consumer.legacyKey()] = key
	}

	if s.Cfg.ConsumerStrategy == StrategySingleActive {
		s.singleActiveAttach(key, existed)
	} else if consumer.Status == ConsumerUp && consumer.Credit > 0 {
		s.ServiceSeq++
		consumer.SvcSeq = s.ServiceSeq
		s.ServiceQueue.Push(key, consumer.Priority, consumer.SvcSeq)
	}

	s.touchActivity(meta)
	effects := s.runCheckoutEngine(meta)
	return s, Reply{Kind: checkoutSummaryReply{ConsumerKey: key, Priority: consumer.Priority}}, effects
}

// applyDequeue implements basic.get semantics: draw exactly one message
// synchronously. Illegal under single_active.
func (s *State) applyDequeue(meta Meta, cmd Command) (*State, Reply, []Effect) {
	if s.Cfg.ConsumerStrategy == StrategySingleActive {
		return s, replyErr(ErrUnsupportedSingleActiveConsumer), nil
	}

	taken, ok := s.popFrontRef()
	if !ok {
		return s, replyErr(ErrDequeueEmpty), nil
	}

	if cmd.DequeueSettlement == "settled" {
		s.RaIndexes.Delete(taken.Index)
		s.MsgBytesEnqueue -= taken.Header.SizeBytes
		s.MessagesTotal--
		body := s.cachedBodyFor(taken.Index)
		return s, Reply{Kind: dequeueMessageReply{Index: taken.Index, Header: taken.Header, Body: body}}, nil
	}

	// unsettled: hold it checked out under an ephemeral once-lifetime
	// consumer keyed by this command's own log index, so a subsequent
	// settle/return addresses it exactly like a regular checkout.
	key := ConsumerKey(meta.Index)
	consumer := &Consumer{
		Key:       key,
		Cfg:       ConsumerCfg{Tag: cmd.ConsumerTag, Pid: cmd.ConsumerPid, Lifetime: LifetimeOnce},
		Status:    ConsumerUp,
		NextMsgID: 1,
	}
	s.MsgBytesEnqueue -= taken.Header.SizeBytes
	s.MsgBytesCheckout += taken.Header.SizeBytes
	s.RaIndexes.Append(taken.Index)
	consumer.CheckedOut = append(consumer.CheckedOut, CheckedMsg{DeadlineTS: meta.SystemTime, MsgID: 0, Ref: taken})
	s.Consumers[key] = consumer
	s.LegacyKeys[consumer.legacyKey()] = key

	body := s.cachedBodyFor(taken.Index)
	return s, Reply{Kind: dequeueMessageReply{Index: taken.Index, Header: taken.Header, Body: body, ConsumerKey: key}}, nil
}

func (s *State) cachedBodyFor(index uint64) []byte {
	if s.MsgCache != nil && s.MsgCache.Index == index {
		return s.MsgCache.Body
	}
	return nil
}
