package fsm

// evaluateReleaseCursor implements §4.9: it stamps a new dehydrated cursor
// once enqueue_count crosses the adapted interval, then drops any pending
// cursors the log has already advanced past, emitting a release_cursor
// effect for each. If the queue is completely idle with no pending
// cursors at all, it still emits one so the substrate can truncate up to
// the current index.
func (s *State) evaluateReleaseCursor(meta Meta) []Effect {
	var effects []Effect

	if s.EnqueueCount >= s.Cfg.ReleaseCursorInterval.Current {
		s.ReleaseCursors = append(s.ReleaseCursors, ReleaseCursor{
			Index:      meta.Index,
			Dehydrated: s.Dehydrate(),
		})
		s.EnqueueCount = 0
		s.Cfg.ReleaseCursorInterval.Current = clampU64(
			s.MessagesTotal,
			s.Cfg.ReleaseCursorInterval.Base,
			s.Cfg.ReleaseCursorEveryMax,
		)
	}

	smallest, hasLive := s.RaIndexes.Smallest()
	for len(s.ReleaseCursors) > 0 && (!hasLive || s.ReleaseCursors[0].Index < smallest) {
		cursor := s.ReleaseCursors[0]
		s.ReleaseCursors = s.ReleaseCursors[1:]
		effects = append(effects, Effect{Type: EffectReleaseCursor, CursorIndex: cursor.Index, Dehydrated: cursor.Dehydrated})
	}

	if !hasLive && len(s.Enqueuers) == 0 && len(s.ReleaseCursors) == 0 && len(effects) == 0 {
		effects = append(effects, Effect{Type: EffectReleaseCursor, CursorIndex: meta.Index, Dehydrated: s.Dehydrate()})
	}

	return effects
}

func clampU64(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}
