package fsm

// CurrentMachineVersion is the on-disk state shape this package produces
// and consumes natively. Older shapes are upgraded in place by
// applyMachineVersion (see version.go).
const CurrentMachineVersion = 4

// Apply is the single entry point of the state machine: it decodes the
// tagged command, routes it to a handler, and returns the (possibly
// mutated) state, a reply for the caller, and any side effects for the
// replication substrate to execute after commit. Unknown commands are
// ignored: they return the state unchanged, an ok reply, and no effects.
//
// Apply performs no I/O and reads no field outside meta and cmd for any
// notion of "now" — every handler it calls must uphold that same
// discipline.
func Apply(s *State, meta Meta, cmd Command) (*State, Reply, []Effect) {
	switch cmd.Type {
	case CmdEnqueue, CmdEnqueueV2:
		return s.applyEnqueue(meta, cmd)
	case CmdRegisterEnqueuer:
		return s.applyRegisterEnqueuer(meta, cmd)
	case CmdCheckout:
		return s.applyCheckout(meta, cmd)
	case CmdCancelConsumer:
		return s.applyCancelConsumer(meta, cmd)
	case CmdRemoveConsumer:
		return s.applyRemoveConsumer(meta, cmd)
	case CmdSettle:
		return s.applySettle(meta, cmd)
	case CmdReturn:
		return s.applyReturn(meta, cmd)
	case CmdDiscard:
		return s.applyDiscard(meta, cmd)
	case CmdDefer:
		return s.applyDefer(meta, cmd)
	case CmdCredit:
		return s.applyCredit(meta, cmd)
	case CmdRequeue:
		return s.applyRequeue(meta, cmd)
	case CmdPurge:
		return s.applyPurge(meta, cmd)
	case CmdPurgeNodes:
		return s.applyPurgeNodes(meta, cmd)
	case CmdUpdateConfig:
		return s.applyUpdateConfig(meta, cmd)
	case CmdGarbageCollection:
		return s.applyGarbageCollection(meta, cmd)
	case CmdEvalConsumerTimeouts:
		return s.applyEvalConsumerTimeouts(meta, cmd)
	case CmdTimeout:
		return s.applyTimeout(meta, cmd)
	case CmdDown:
		return s.applyDown(meta, cmd)
	case CmdNodeUp:
		return s.applyNodeUp(meta, cmd)
	case CmdNodeDown:
		return s.applyNodeDown(meta, cmd)
	case CmdMachineVersion:
		return s.applyMachineVersion(meta, cmd)
	case CmdDLX:
		return s.applyDLXPassthrough(meta, cmd)
	default:
		return s, replyOK(), nil
	}
}

// resolveConsumerKey turns a ConsumerKeyRef into a canonical key, checking
// both the direct key space and the legacy (tag, pid) index.
func (s *State) resolveConsumerKey(ref *ConsumerKeyRef) (ConsumerKey, bool) {
	if ref == nil {
		return 0, false
	}
	if ref.Canonical != nil {
		if _, ok := s.Consumers[*ref.Canonical]; ok {
			return *ref.Canonical, true
		}
		return 0, false
	}
	legacy := ref.Tag + "\x00" + ref.Pid.String()
	key, ok := s.LegacyKeys[legacy]
	if !ok {
		return 0, false
	}
	_, ok = s.Consumers[key]
	return key, ok
}

// nodeOfPid extracts the node component; consumers/enqueuers of the same
// node are grouped for down/nodeup/nodedown handling.
func nodeOfPid(p Pid) string { return p.Node }

// touchActivity marks the queue as having just done something other than
// idling, per §4.8's queue-expiry accounting.
func (s *State) touchActivity(meta Meta) {
	s.LastActive = meta.SystemTime
}
