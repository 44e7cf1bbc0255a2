package fsm

// Clone returns a copy of s. Slices, maps, the index set, the service
// queue and the enqueuer/consumer records are copied so the original and
// the clone can evolve independently; pointer fields inside Cfg, message
// headers and release cursors are shared with the original. Required for release cursors and Raft snapshots, both
// of which capture a point-in-time copy that must not be disturbed by
// subsequent Apply calls on the live state.
func (s *State) Clone() *State {
	cp := &State{
		Cfg:              s.Cfg,
		Messages:         append([]MsgRef(nil), s.Messages...),
		Returns:          append([]MsgRef(nil), s.Returns...),
		RaIndexes:        s.RaIndexes.Clone(),
		MessagesTotal:    s.MessagesTotal,
		MsgBytesEnqueue:  s.MsgBytesEnqueue,
		MsgBytesCheckout: s.MsgBytesCheckout,
		EnqueueCount:     s.EnqueueCount,
		Enqueuers:        make(map[Pid]*Enqueuer, len(s.Enqueuers)),
		Consumers:        make(map[ConsumerKey]*Consumer, len(s.Consumers)),
		LegacyKeys:       make(map[string]ConsumerKey, len(s.LegacyKeys)),
		ServiceQueue:     s.ServiceQueue.Clone(),
		ServiceSeq:       s.ServiceSeq,
		WaitingConsumers: append([]ConsumerKey(nil), s.WaitingConsumers...),
		DLX:              s.DLX.dehydrate(),
		LastActive:       s.LastActive,
		MachineVersion:   s.MachineVersion,
	}

	if s.MsgCache != nil {
		cp.MsgCache = &MsgCacheEntry{Index: s.MsgCache.Index, Body: append([]byte(nil), s.MsgCache.Body...)}
	}

	for pid, enq := range s.Enqueuers {
		e2 := *enq
		if enq.BlockedAtIndex != nil {
			v := *enq.BlockedAtIndex
			e2.BlockedAtIndex = &v
		}
		cp.Enqueuers[pid] = &e2
	}

	for key, c := range s.Consumers {
		c2 := *c
		c2.CheckedOut = append([]CheckedMsg(nil), c.CheckedOut...)
		if c.Cfg.Meta != nil {
			meta := make(map[string]string, len(c.Cfg.Meta))
			for k, v := range c.Cfg.Meta {
				meta[k] = v
			}
			c2.Cfg.Meta = meta
		}
		cp.Consumers[key] = &c2
	}

	for k, v := range s.LegacyKeys {
		cp.LegacyKeys[k] = v
	}

	for _, rc := range s.ReleaseCursors {
		cp.ReleaseCursors = append(cp.ReleaseCursors, rc)
	}

	return cp
}

// Dehydrate produces the authoritative snapshot form carried in release
// cursors: ra_indexes, release_cursors, enqueue_count and msg_cache are
// omitted (§6 Persisted state layout); every other field round-trips.
func (s *State) Dehydrate() *State {
	cp := s.Clone()
	cp.RaIndexes = newIndexSet()
	cp.ReleaseCursors = nil
	cp.EnqueueCount = 0
	cp.MsgCache = nil
	return cp
}
