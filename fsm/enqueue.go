package fsm

// applyEnqueue implements the enqueue and enqueue_v2 commands (§4.2). The
// two differ only in the wire-level location of the publisher pid:
// enqueue_v2 carries it on meta.ReplyMode, and it is copied into cmd.Pid
// here before the enqueuer is looked up.
func (s *State) applyEnqueue(meta Meta, cmd Command) (*State, Reply, []Effect) {
	var effects []Effect

	if cmd.Type == CmdEnqueueV2 && cmd.Pid == nil && meta.ReplyMode.Pid != nil {
		cmd.Pid = meta.ReplyMode.Pid
	}

	if cmd.Pid != nil {
		enq, known := s.Enqueuers[*cmd.Pid]
		if !known {
			enq = &Enqueuer{Pid: *cmd.Pid, NextSeqno: 0, Status: EnqueuerUp}
			s.Enqueuers[*cmd.Pid] = enq
			effects = append(effects, monitorProcess(*cmd.Pid))
		}
		switch {
		case cmd.Seqno == enq.NextSeqno:
			enq.NextSeqno++
			// falls through to append below
		case cmd.Seqno > enq.NextSeqno:
			return s, Reply{Kind: outOfSequenceReply{Expected: enq.NextSeqno, Got: cmd.Seqno}}, effects
		default:
			// duplicate: silently dropped, reply ok.
			return s, replyOK(), effects
		}
	}

	s.appendMessage(meta, cmd.Payload, cmd.MsgTTL)
	s.touchActivity(meta)

	effects = append(effects, s.runCheckoutEngine(meta)...)

	return s, replyOK(), effects
}

// appendMessage runs the append procedure of §4.2, independent of whether
// the publisher is tracked.
func (s *State) appendMessage(meta Meta, payload []byte, perMsgTTL *uint64) {
	sizeBytes := uint64(len(payload))

	var expiry *int64
	if ttl, ok := effectiveTTL(perMsgTTL, s.Cfg.MsgTTL); ok {
		e := meta.SystemTime + int64(ttl)
		expiry = &e
	}

	header := Header{SizeBytes: sizeBytes, ExpiryTS: expiry}
	ref := MsgRef{Index: meta.Index, Header: header}

	immediateDelivery := len(s.Messages) == 0 && len(s.Returns) == 0 && s.hasEligibleWaitingConsumer()

	s.Messages = append(s.Messages, ref)
	s.RaIndexes.Append(meta.Index)
	s.MsgBytesEnqueue += sizeBytes
	s.MessagesTotal++
	s.EnqueueCount++

	if immediateDelivery {
		s.MsgCache = &MsgCacheEntry{Index: meta.Index, Body: payload}
	} else {
		s.MsgCache = nil
	}
}

// effectiveTTL resolves the per-message and queue-level TTLs into a single
// value, applying the ttl=0 special case: a zero TTL means "expire in the
// same millisecond", i.e. system_time+1, not "never expires".
func effectiveTTL(perMsg, queue *uint64) (uint64, bool) {
	if perMsg == nil && queue == nil {
		return 0, false
	}
	var v uint64
	set := false
	if perMsg != nil {
		v = *perMsg
		set = true
	}
	if queue != nil {
		if !set || *queue < v {
			v = *queue
		}
		set = true
	}
	if !set {
		return 0, false
	}
	if v == 0 {
		return 1, true
	}
	return v, true
}

func (s *State) hasEligibleWaitingConsumer() bool {
	return s.ServiceQueue.Len() > 0
}

// applyRegisterEnqueuer implements the register_enqueuer command:
// explicit registration of a publisher without an accompanying enqueue,
// used by clients that want a monitor effect before their first publish.
func (s *State) applyRegisterEnqueuer(meta Meta, cmd Command) (*State, Reply, []Effect) {
	if cmd.Pid == nil {
		return s, replyOK(), nil
	}
	if _, known := s.Enqueuers[*cmd.Pid]; known {
		return s, replyOK(), nil
	}
	s.Enqueuers[*cmd.Pid] = &Enqueuer{Pid: *cmd.Pid, NextSeqno: 0, Status: EnqueuerUp}
	return s, replyOK(), []Effect{monitorProcess(*cmd.Pid)}
}
