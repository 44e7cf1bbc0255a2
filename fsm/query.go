package fsm

// Queries are read-only and may be executed against any snapshot of
// State — including a dehydrated one — without mutating it.

// MessagesReady is the count of messages available for delivery
// (not yet checked out, not yet dead-lettered).
func (s *State) MessagesReady() uint64 {
	return uint64(len(s.Messages) + len(s.Returns))
}

// MessagesTotalCount is the total live message count across every bucket.
func (s *State) MessagesTotalCount() uint64 {
	return s.MessagesTotal
}

// CheckedOutCount reports how many messages a consumer currently holds.
func (s *State) CheckedOutCount(key ConsumerKey) (int, bool) {
	c, ok := s.Consumers[key]
	if !ok {
		return 0, false
	}
	return len(c.CheckedOut), true
}

// ProcessKind distinguishes the two kinds of process a queue tracks.
type ProcessKind string

const (
	ProcessConsumer ProcessKind = "consumer"
	ProcessEnqueuer ProcessKind = "enqueuer"
)

// ProcessInfo is one row of the processes query.
type ProcessInfo struct {
	Kind   ProcessKind
	Pid    Pid
	Key    ConsumerKey // zero for enqueuers
	Status string
}

// Processes lists every consumer and enqueuer known to the queue.
func (s *State) Processes() []ProcessInfo {
	out := make([]ProcessInfo, 0, len(s.Consumers)+len(s.Enqueuers))
	for key, c := range s.Consumers {
		out = append(out, ProcessInfo{Kind: ProcessConsumer, Pid: c.Cfg.Pid, Key: key, Status: c.Status.String()})
	}
	for pid, e := range s.Enqueuers {
		status := "up"
		if e.Status == EnqueuerSuspectedDown {
			status = "suspected_down"
		}
		out = append(out, ProcessInfo{Kind: ProcessEnqueuer, Pid: pid, Status: status})
	}
	return out
}

// WaitingConsumersList returns the single_active waiting list in priority
// order.
func (s *State) WaitingConsumersList() []ConsumerKey {
	return append([]ConsumerKey(nil), s.WaitingConsumers...)
}

// SingleActiveConsumer reports the currently active consumer under
// single_active discipline, if any.
func (s *State) SingleActiveConsumer() (ConsumerKey, bool) {
	return s.activeConsumerKey()
}

// Peek returns the MsgRef (log index and header) of the message at
// position pos in FIFO delivery order without removing it. The body is
// not included.
func (s *State) Peek(pos int) (MsgRef, error) {
	if pos < 0 {
		return MsgRef{}, ErrNoMessageAtPos
	}
	if pos < len(s.Returns) {
		return s.Returns[pos], nil
	}
	pos -= len(s.Returns)
	if pos < len(s.Messages) {
		return s.Messages[pos], nil
	}
	return MsgRef{}, ErrNoMessageAtPos
}

// SmallestLiveIndex returns the smallest currently-live log index.
func (s *State) SmallestLiveIndex() (uint64, bool) {
	return s.RaIndexes.Smallest()
}

// DLXStats returns a snapshot of the dead-letter counters.
func (s *State) DLXStats() DLXState {
	return s.DLX.dehydrate()
}
