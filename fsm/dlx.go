package fsm

// dlxSource identifies which byte counter a dead-lettered message's size
// should be debited from.
type dlxSource int

const (
	dlxFromReady   dlxSource = iota // messages or returns
	dlxFromCheckedOut
)

// handOffToDLX moves a message's accounting into the dead-letter sidecar.
// It does not touch MessagesTotal: the message stays counted, just in a
// different bucket (invariant 1 sums messages+returns+checked_out+dlx.count,
// so a hand-off is a transfer between buckets, not a removal). It emits a
// mod_call effect describing the hand-off for the external dispatcher to
// execute.
func (s *State) handOffToDLX(ref MsgRef, reason string, source dlxSource) Effect {
	s.RaIndexes.Delete(ref.Index)
	switch source {
	case dlxFromReady:
		s.MsgBytesEnqueue -= ref.Header.SizeBytes
	case dlxFromCheckedOut:
		s.MsgBytesCheckout -= ref.Header.SizeBytes
	}
	s.DLX.record(reason, ref.Header.SizeBytes)

	return modCall("dlx", "handle", map[string]interface{}{
		"index":  ref.Index,
		"reason": reason,
		"queue":  s.Cfg.Name,
	})
}
