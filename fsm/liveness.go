package fsm

// returnCheckedOutToQueue moves every message checked out to consumer back
// into returns (preserving ascending index order) and clears its checked
// out set. Used wherever a consumer loses its delivery rights abruptly:
// node-down, cancellation, and forced node purge.
func (s *State) returnCheckedOutToQueue(consumer *Consumer) {
	for _, cm := range consumer.CheckedOut {
		s.MsgBytesCheckout -= cm.Ref.Header.SizeBytes
		s.insertReturn(cm.Ref)
		s.MsgBytesEnqueue += cm.Ref.Header.SizeBytes
	}
	consumer.CheckedOut = nil
}

// cancelConsumer is the down-path cancel of §4.10: the consumer is marked
// cancelled and its checked-out set is returned to the queue immediately
// (unless it was already cancelled). The consumer itself stays registered.
func (s *State) cancelConsumer(key ConsumerKey, consumer *Consumer) {
	if consumer.Status == ConsumerCancelled {
		return
	}
	s.returnCheckedOutToQueue(consumer)
	consumer.Status = ConsumerCancelled
	s.ServiceQueue.Remove(key)
	s.removeFromWaiting(key)
}

// removeConsumerEntirely deregisters a consumer outright: its checked-out
// messages are returned and its map entries dropped.
func (s *State) removeConsumerEntirely(key ConsumerKey, consumer *Consumer) {
	s.returnCheckedOutToQueue(consumer)
	s.ServiceQueue.Remove(key)
	s.removeFromWaiting(key)
	delete(s.LegacyKeys, consumer.legacyKey())
	delete(s.Consumers, key)
}

// applyCancelConsumer implements the client-issued cancel_consumer
// operation: the consumer drains cleanly, staying registered with
// status=cancelled until its outstanding deliveries are settled
// elsewhere (§5, line 130). Cancelling an unknown consumer key is
// ErrConsumerNotFound, not a silent no-op, since unlike settle/return a
// client expects cancel to confirm the consumer it named actually
// existed.
func (s *State) applyCancelConsumer(meta Meta, cmd Command) (*State, Reply, []Effect) {
	key, ok := s.resolveConsumerKey(cmd.ConsumerKey)
	if !ok {
		return s, replyErr(ErrConsumerNotFound), nil
	}
	consumer := s.Consumers[key]
	consumer.Status = ConsumerCancelled
	s.ServiceQueue.Remove(key)
	s.removeFromWaiting(key)
	s.touchActivity(meta)

	effects := s.runCheckoutEngine(meta)
	return s, replyOK(), effects
}

// applyRemoveConsumer implements the client-issued remove_consumer
// operation: abrupt deregistration, returning any outstanding checked-out
// messages immediately rather than waiting for them to settle (§5,
// line 151).
func (s *State) applyRemoveConsumer(meta Meta, cmd Command) (*State, Reply, []Effect) {
	key, ok := s.resolveConsumerKey(cmd.ConsumerKey)
	if !ok {
		return s, replyErr(ErrConsumerNotFound), nil
	}
	s.removeConsumerEntirely(key, s.Consumers[key])
	s.touchActivity(meta)

	effects := s.runCheckoutEngine(meta)
	return s, replyOK(), effects
}

// applyDown implements down(pid, reason) (§4.10). A "noconnection" reason
// marks every process at pid's node suspected_down, returning their
// checked-out work to the queue (or, under single_active, to the waiting
// list). Any other reason means the pid itself has terminated: its
// enqueuer is dropped and its consumers are cancelled.
func (s *State) applyDown(meta Meta, cmd Command) (*State, Reply, []Effect) {
	if cmd.DownPid == nil {
		return s, replyOK(), nil
	}
	pid := *cmd.DownPid

	if cmd.DownReason == "noconnection" {
		node := nodeOfPid(pid)
		for p, enq := range s.Enqueuers {
			if p.Node == node {
				enq.Status = EnqueuerSuspectedDown
			}
		}
		for key, consumer := range s.Consumers {
			if consumer.Cfg.Pid.Node != node {
				continue
			}
			if consumer.Status == ConsumerCancelled {
				continue
			}
			s.returnCheckedOutToQueue(consumer)
			s.ServiceQueue.Remove(key)
			if s.Cfg.ConsumerStrategy == StrategySingleActive {
				s.removeFromWaiting(key)
				consumer.Status = ConsumerWaiting
				s.insertWaiting(key)
			} else {
				consumer.Status = ConsumerSuspectedDown
			}
		}
		effects := append([]Effect{monitorNode(node)}, s.runCheckoutEngine(meta)...)
		return s, replyOK(), effects
	}

	delete(s.Enqueuers, pid)
	var effects []Effect
	for key, consumer := range s.Consumers {
		if consumer.Cfg.Pid == pid {
			s.cancelConsumer(key, consumer)
		}
	}
	effects = append(effects, s.runCheckoutEngine(meta)...)
	return s, replyOK(), effects
}

// applyNodeUp implements nodeup(node): re-monitor and reactivate every
// suspected_down process at that node, and re-monitor the node itself. It deliberately does not eagerly
// re-deliver already-returned messages — the checkout engine run at the
// end of this handler (and every handler after it) picks them up on the
// very next opportunity, so a separate eager redelivery step would just
// duplicate that work.
func (s *State) applyNodeUp(meta Meta, cmd Command) (*State, Reply, []Effect) {
	effects := []Effect{monitorNode(cmd.Node)}
	for p, enq := range s.Enqueuers {
		if p.Node == cmd.Node && enq.Status == EnqueuerSuspectedDown {
			enq.Status = EnqueuerUp
			effects = append(effects, monitorProcess(p))
		}
	}
	for key, consumer := range s.Consumers {
		if consumer.Cfg.Pid.Node != cmd.Node {
			continue
		}
		switch consumer.Status {
		case ConsumerSuspectedDown:
			consumer.Status = ConsumerUp
			effects = append(effects, monitorProcess(consumer.Cfg.Pid))
			s.reactivateIfEligible(key, consumer)
		case ConsumerWaiting:
			// already parked correctly; activation ladder will pick it
			// up if it is now the highest-priority waiting entry.
		}
	}
	effects = append(effects, s.runCheckoutEngine(meta)...)
	return s, replyOK(), effects
}

// applyNodeDown implements nodedown(node): equivalent to a noconnection
// down for every pid already known to be at that node, without requiring
// the substrate to name each pid individually.
func (s *State) applyNodeDown(meta Meta, cmd Command) (*State, Reply, []Effect) {
	for p, enq := range s.Enqueuers {
		if p.Node == cmd.Node {
			enq.Status = EnqueuerSuspectedDown
		}
	}
	for key, consumer := range s.Consumers {
		if consumer.Cfg.Pid.Node != cmd.Node || consumer.Status == ConsumerCancelled {
			continue
		}
		s.returnCheckedOutToQueue(consumer)
		s.ServiceQueue.Remove(key)
		if s.Cfg.ConsumerStrategy == StrategySingleActive {
			s.removeFromWaiting(key)
			consumer.Status = ConsumerWaiting
			s.insertWaiting(key)
		} else {
			consumer.Status = ConsumerSuspectedDown
		}
	}
	effects := s.runCheckoutEngine(meta)
	return s, replyOK(), effects
}
