package fsm

// QueueStatusPayload is the body of the send_msg effect that tells a
// publisher whether it is currently blocked by reject_publish overflow.
// Exported so the replication substrate can recognize it and debounce
// repeated notifications toward the same enqueuer (§4.8).
type QueueStatusPayload struct {
	Status string // "reject_publish" | "go"
}

// evaluateLimits implements §4.8's length/byte overflow handling. It runs
// at the end of every runCheckoutEngine pass: drop_head sheds ready messages to DLX until back under
// both limits; reject_publish blocks/unblocks known enqueuers as the ready
// total crosses the hard limit and the soft watermark.
//
// Messages already handed to DLX are gone from the queue's own accounting;
// counting dlx_count/dlx_bytes against the same limit they were just
// evicted for would make drop_head's own eviction re-trigger itself
// forever, so the comparison is against ready/enqueue_bytes alone.
func (s *State) evaluateLimits(meta Meta) []Effect {
	var effects []Effect

	overLimit := func() bool {
		ready := uint64(len(s.Messages) + len(s.Returns))
		return (s.Cfg.MaxLength > 0 && ready > s.Cfg.MaxLength) ||
			(s.Cfg.MaxBytes > 0 && s.MsgBytesEnqueue > s.Cfg.MaxBytes)
	}

	switch s.Cfg.OverflowStrategy {
	case OverflowDropHead:
		for overLimit() {
			ref, ok := s.popFrontRef()
			if !ok {
				break
			}
			effects = append(effects, s.handOffToDLX(ref, "maxlen", dlxFromReady))
		}
	case OverflowRejectPublish:
		if overLimit() {
			for pid, enq := range s.Enqueuers {
				if enq.BlockedAtIndex == nil {
					idx := meta.Index
					enq.BlockedAtIndex = &idx
					effects = append(effects, sendMsg(pid, QueueStatusPayload{Status: "reject_publish"}, false))
				}
			}
		} else if s.belowSoftWatermark() {
			for pid, enq := range s.Enqueuers {
				if enq.BlockedAtIndex != nil {
					enq.BlockedAtIndex = nil
					effects = append(effects, sendMsg(pid, QueueStatusPayload{Status: "go"}, false))
				}
			}
		}
	}
	return effects
}

func (s *State) belowSoftWatermark() bool {
	watermark := s.Cfg.SoftLimitWatermark
	if watermark <= 0 {
		watermark = 0.8
	}
	ready := uint64(len(s.Messages) + len(s.Returns))
	if s.Cfg.MaxLength > 0 && float64(ready) > float64(s.Cfg.MaxLength)*watermark {
		return false
	}
	if s.Cfg.MaxBytes > 0 && float64(s.MsgBytesEnqueue) > float64(s.Cfg.MaxBytes)*watermark {
		return false
	}
	return true
}

// applyPurge empties messages and returns without dead-lettering them
// (§4 SUPPLEMENTED FEATURES #3): an operator-invoked full flush, distinct
// from purge_nodes.
func (s *State) applyPurge(meta Meta, cmd Command) (*State, Reply, []Effect) {
	for _, ref := range s.Messages {
		s.RaIndexes.Delete(ref.Index)
		s.MsgBytesEnqueue -= ref.Header.SizeBytes
		s.MessagesTotal--
	}
	for _, ref := range s.Returns {
		s.RaIndexes.Delete(ref.Index)
		s.MsgBytesEnqueue -= ref.Header.SizeBytes
		s.MessagesTotal--
	}
	s.Messages = nil
	s.Returns = nil
	s.MsgCache = nil
	s.touchActivity(meta)
	return s, replyOK(), s.runCheckoutEngine(meta)
}

// applyPurgeNodes removes every enqueuer and consumer belonging to the
// named nodes outright, without waiting for a down notification — used
// when an operator permanently decommissions cluster nodes.
func (s *State) applyPurgeNodes(meta Meta, cmd Command) (*State, Reply, []Effect) {
	nodeSet := map[string]bool{}
	for _, n := range cmd.Nodes {
		nodeSet[n] = true
	}
	for p := range s.Enqueuers {
		if nodeSet[p.Node] {
			delete(s.Enqueuers, p)
		}
	}
	for key, consumer := range s.Consumers {
		if nodeSet[consumer.Cfg.Pid.Node] {
			s.removeConsumerEntirely(key, consumer)
		}
	}
	s.touchActivity(meta)
	return s, replyOK(), s.runCheckoutEngine(meta)
}

// applyUpdateConfig implements update_config: only fields present in the
// delta are changed; unrecognized keys never reach this far (the wire
// decoder drops them).
func (s *State) applyUpdateConfig(meta Meta, cmd Command) (*State, Reply, []Effect) {
	if cmd.ConfigDelta == nil {
		return s, replyOK(), nil
	}
	d := cmd.ConfigDelta
	if d.DeadLetterHandler != nil {
		s.Cfg.DeadLetterHandler = *d.DeadLetterHandler
	}
	if d.BecomeLeaderHandler != nil {
		s.Cfg.BecomeLeaderHandler = *d.BecomeLeaderHandler
	}
	if d.ReleaseCursorInterval != nil {
		s.Cfg.ReleaseCursorInterval.Base = *d.ReleaseCursorInterval
		s.Cfg.ReleaseCursorInterval.Current = *d.ReleaseCursorInterval
	}
	if d.OverflowStrategy != nil {
		s.Cfg.OverflowStrategy = *d.OverflowStrategy
	}
	if d.MaxLength != nil {
		s.Cfg.MaxLength = *d.MaxLength
	}
	if d.MaxBytes != nil {
		s.Cfg.MaxBytes = *d.MaxBytes
	}
	if d.DeliveryLimit != nil {
		s.Cfg.DeliveryLimit = *d.DeliveryLimit
	}
	if d.Expires != nil {
		s.Cfg.Expires = *d.Expires
	}
	if d.MsgTTL != nil {
		s.Cfg.MsgTTL = *d.MsgTTL
	}
	if d.SingleActiveConsumerOn != nil {
		if *d.SingleActiveConsumerOn {
			s.Cfg.ConsumerStrategy = StrategySingleActive
		} else {
			s.Cfg.ConsumerStrategy = StrategyCompeting
		}
	}
	return s, replyOK(), s.runCheckoutEngine(meta)
}

// applyGarbageCollection is a no-op state transition whose sole purpose is
// to carry a periodic entry through the log so release_cursors (evaluated
// inside runCheckoutEngine) keeps advancing on an otherwise-idle queue
// (§4 SUPPLEMENTED FEATURES #4).
func (s *State) applyGarbageCollection(meta Meta, cmd Command) (*State, Reply, []Effect) {
	return s, replyOK(), s.runCheckoutEngine(meta)
}

// applyEvalConsumerTimeouts implements the consumer-lock check of §4.8:
// any checked-out message whose lock has expired is returned to the
// queue and its consumer marked timed_out.
func (s *State) applyEvalConsumerTimeouts(meta Meta, cmd Command) (*State, Reply, []Effect) {
	for i := range cmd.ConsumerKeys {
		key, ok := s.resolveConsumerKey(&cmd.ConsumerKeys[i])
		if !ok {
			continue
		}
		consumer := s.Consumers[key]
		remaining := consumer.CheckedOut[:0]
		timedOut := false
		for _, cm := range consumer.CheckedOut {
			if cm.DeadlineTS+int64(s.Cfg.ConsumerLockMS) < meta.SystemTime {
				s.MsgBytesCheckout -= cm.Ref.Header.SizeBytes
				s.insertReturn(cm.Ref)
				s.MsgBytesEnqueue += cm.Ref.Header.SizeBytes
				timedOut = true
				continue
			}
			remaining = append(remaining, cm)
		}
		consumer.CheckedOut = remaining
		if timedOut {
			consumer.Status = ConsumerTimedOut
			s.ServiceQueue.Remove(key)
		}
	}
	return s, replyOK(), s.runCheckoutEngine(meta)
}

// applyTimeout implements the periodic tick signal of §5(a): it forces a
// checkout-engine pass (which expires TTL'd heads) and evaluates queue
// expiry.
func (s *State) applyTimeout(meta Meta, cmd Command) (*State, Reply, []Effect) {
	effects := s.runCheckoutEngine(meta)
	if s.Cfg.Expires != nil && len(s.Consumers) == 0 {
		if meta.SystemTime > s.LastActive+int64(*s.Cfg.Expires) {
			effects = append(effects, modCall("queue_lifecycle", "spawn_deleter", map[string]interface{}{
				"queue": s.Cfg.Name,
			}))
		}
	}
	return s, replyOK(), effects
}

// applyDLXPassthrough forwards opaque dlx(...) commands to the dead-letter
// sidecar without interpreting them; the core only owns DLX counters, not
// its dispatch policy.
func (s *State) applyDLXPassthrough(meta Meta, cmd Command) (*State, Reply, []Effect) {
	return s, replyOK(), []Effect{modCall("dlx", "control", toInterfaceMap(cmd.DLXArgs))}
}

func toInterfaceMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
