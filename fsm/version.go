package fsm

// applyMachineVersion implements the sole required forward transform
// (§9): v3→v4 stamps every currently checked-out message with
// deadline_ts = system_time, since v3 state shapes did not carry a
// per-message consumer-lock deadline at all.
func (s *State) applyMachineVersion(meta Meta, cmd Command) (*State, Reply, []Effect) {
	if cmd.FromVersion == 3 && cmd.ToVersion == 4 {
		for _, c := range s.Consumers {
			for i := range c.CheckedOut {
				c.CheckedOut[i].DeadlineTS = meta.SystemTime
			}
		}
	}
	s.MachineVersion = cmd.ToVersion
	return s, replyOK(), nil
}
