package fsm

import (
	"math/rand"
	"reflect"
	"testing"
	"testing/quick"
)

// checkAccountingInvariant is spec.md §8 property 1: messages_total always
// equals the sum of every bucket a live message can sit in.
func checkAccountingInvariant(s *State) bool {
	var checkedOut uint64
	for _, c := range s.Consumers {
		checkedOut += uint64(len(c.CheckedOut))
	}
	return s.MessagesTotal == uint64(len(s.Messages))+uint64(len(s.Returns))+checkedOut+s.DLX.Count
}

// checkRaIndexesInvariant is spec.md §8 property 2: ra_indexes is exactly
// the set of indexes present in messages, returns, or some consumer's
// checked-out set.
func checkRaIndexesInvariant(s *State) bool {
	want := map[uint64]bool{}
	for _, m := range s.Messages {
		want[m.Index] = true
	}
	for _, m := range s.Returns {
		want[m.Index] = true
	}
	for _, c := range s.Consumers {
		for _, cm := range c.CheckedOut {
			want[cm.Ref.Index] = true
		}
	}
	got := s.RaIndexes.Values()
	if len(got) != len(want) {
		return false
	}
	for _, idx := range got {
		if !want[idx] {
			return false
		}
	}
	return true
}

// opSequence is a bounded random sequence of enqueue/checkout/settle
// commands for quick.Check to generate and shrink.
type opSequence struct {
	enqueues int   // 1..12
	settles  []int // indexes, mod against however many deliveries have happened, to settle early
}

func (opSequence) Generate(rnd *rand.Rand, size int) reflect.Value {
	n := 1 + rnd.Intn(12)
	numSettles := rnd.Intn(6)
	settles := make([]int, numSettles)
	for i := range settles {
		settles[i] = rnd.Intn(20)
	}
	return reflect.ValueOf(opSequence{enqueues: n, settles: settles})
}

// runSequence replays an opSequence against a fresh queue with a single
// competing consumer, settling whichever delivered message ids the
// sequence names (mod the number actually delivered so far, so every
// generated sequence is valid regardless of shrinking).
func runSequence(seq opSequence) *State {
	s := New(DefaultQueueConfig("props", "res-1"))
	index := uint64(1)

	for i := 0; i < seq.enqueues; i++ {
		meta := Meta{Index: index, SystemTime: int64(index) * 1000}
		Apply(s, meta, Command{Type: CmdEnqueue, Payload: []byte{byte(i)}})
		index++
	}

	meta := Meta{Index: index, SystemTime: int64(index) * 1000}
	_, reply, _ := Apply(s, meta, Command{
		Type:           CmdCheckout,
		ConsumerTag:    "c1",
		ConsumerPid:    Pid{Node: "n1", ID: "c1"},
		Prefetch:       uint32(seq.enqueues) + 1,
		CreditModeKind: CreditModeSimplePrefetch,
		CreditModeMax:  uint32(seq.enqueues) + 1,
		Lifetime:       LifetimeAuto,
	})
	index++
	summary, ok := reply.Kind.(checkoutSummaryReply)
	if !ok {
		return s
	}
	key := summary.ConsumerKey

	delivered := uint64(seq.enqueues)
	for _, raw := range seq.settles {
		if delivered == 0 {
			break
		}
		msgID := uint64(raw) % delivered
		meta := Meta{Index: index, SystemTime: int64(index) * 1000}
		Apply(s, meta, Command{
			Type:        CmdSettle,
			ConsumerKey: &ConsumerKeyRef{Canonical: &key},
			MsgIDs:      []uint64{msgID},
		})
		index++
	}
	return s
}

func TestProperty_AccountingInvariantHoldsAfterAnySequence(t *testing.T) {
	f := func(seq opSequence) bool {
		return checkAccountingInvariant(runSequence(seq))
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 200}); err != nil {
		t.Error(err)
	}
}

func TestProperty_RaIndexesMatchesLiveMessagesAfterAnySequence(t *testing.T) {
	f := func(seq opSequence) bool {
		return checkRaIndexesInvariant(runSequence(seq))
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 200}); err != nil {
		t.Error(err)
	}
}

// TestProperty_SettleIsIdempotent is spec.md §8 property 8: applying the
// same settle(ids) twice must land on the same state as applying it once.
func TestProperty_SettleIsIdempotent(t *testing.T) {
	f := func(seq opSequence) bool {
		s := runSequence(seq)

		key, ok := firstConsumerKey(s)
		if !ok {
			return true // nothing registered to settle against; trivially idempotent
		}
		cmd := Command{Type: CmdSettle, ConsumerKey: &ConsumerKeyRef{Canonical: &key}, MsgIDs: []uint64{0}}

		Apply(s, Meta{Index: 10000, SystemTime: 10000000}, cmd)
		once := s.Dehydrate()

		Apply(s, Meta{Index: 10001, SystemTime: 10001000}, cmd)
		twice := s.Dehydrate()

		return dehydratedEqual(once, twice)
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 100}); err != nil {
		t.Error(err)
	}
}

func firstConsumerKey(s *State) (ConsumerKey, bool) {
	for key := range s.Consumers {
		return key, true
	}
	return 0, false
}

func dehydratedEqual(a, b *State) bool {
	return checkAccountingInvariant(a) == checkAccountingInvariant(b) &&
		a.MessagesTotal == b.MessagesTotal &&
		len(a.Messages) == len(b.Messages) &&
		len(a.Returns) == len(b.Returns) &&
		a.DLX.Count == b.DLX.Count
}
