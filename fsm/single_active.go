package fsm

import "sort"

// activeConsumerKey returns the sole consumer currently eligible to
// receive deliveries under single_active (status up or fading), if any.
func (s *State) activeConsumerKey() (ConsumerKey, bool) {
	for k, c := range s.Consumers {
		if c.Status == ConsumerUp || c.Status == ConsumerFading {
			return k, true
		}
	}
	return 0, false
}

func (s *State) removeFromWaiting(key ConsumerKey) {
	for i, k := range s.WaitingConsumers {
		if k == key {
			s.WaitingConsumers = append(s.WaitingConsumers[:i], s.WaitingConsumers[i+1:]...)
			return
		}
	}
}

func (s *State) insertWaiting(key ConsumerKey) {
	s.WaitingConsumers = append(s.WaitingConsumers, key)
	s.resortWaiting()
}

// resortWaiting keeps waiting_consumers ordered (priority desc, credit
// desc, key asc), per the attach-sequence ordering of §4.7.
func (s *State) resortWaiting() {
	sort.Slice(s.WaitingConsumers, func(i, j int) bool {
		a, b := s.Consumers[s.WaitingConsumers[i]], s.Consumers[s.WaitingConsumers[j]]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Credit != b.Credit {
			return a.Credit > b.Credit
		}
		return s.WaitingConsumers[i] < s.WaitingConsumers[j]
	})
}

func (s *State) demoteToWaiting(key ConsumerKey) {
	c := s.Consumers[key]
	c.Status = ConsumerWaiting
	s.ServiceQueue.Remove(key)
	s.insertWaiting(key)
}

func (s *State) promote(key ConsumerKey) []Effect {
	c := s.Consumers[key]
	s.removeFromWaiting(key)
	c.Status = ConsumerUp
	if c.Credit > 0 {
		s.ServiceSeq++
		c.SvcSeq = s.ServiceSeq
		s.ServiceQueue.Push(key, c.Priority, c.SvcSeq)
	}
	return []Effect{modCall("consumer_handler", "update_consumer_handler", map[string]interface{}{
		"consumer_key": uint64(key),
		"active":       true,
		"mode":         "single_active",
	})}
}

// singleActiveAttach implements the attach sequence of §4.7: the first
// consumer to attach becomes active; later ones queue in waiting_consumers
// in priority order.
func (s *State) singleActiveAttach(key ConsumerKey, existed bool) {
	consumer := s.Consumers[key]
	if existed {
		if consumer.Status == ConsumerWaiting {
			s.resortWaiting()
		}
		return
	}
	if _, hasActive := s.activeConsumerKey(); !hasActive {
		consumer.Status = ConsumerUp
		if consumer.Credit > 0 {
			s.ServiceSeq++
			consumer.SvcSeq = s.ServiceSeq
			s.ServiceQueue.Push(key, consumer.Priority, consumer.SvcSeq)
		}
		return
	}
	consumer.Status = ConsumerWaiting
	s.insertWaiting(key)
}

// runActivationLadder implements §4.7's per-event activation checks:
// promote when there is no active consumer, preempt when a strictly
// higher-priority waiting consumer arrives and the active one is idle,
// and otherwise fade the active consumer until it drains.
func (s *State) runActivationLadder(meta Meta) []Effect {
	var effects []Effect

	activeKey, hasActive := s.activeConsumerKey()

	if !hasActive {
		if len(s.WaitingConsumers) > 0 {
			effects = append(effects, s.promote(s.WaitingConsumers[0])...)
		}
		return effects
	}

	active := s.Consumers[activeKey]

	if active.Status == ConsumerFading && len(active.CheckedOut) == 0 {
		s.demoteToWaiting(activeKey)
		if len(s.WaitingConsumers) > 0 {
			effects = append(effects, s.promote(s.WaitingConsumers[0])...)
		}
		return effects
	}

	if len(s.WaitingConsumers) == 0 {
		return effects
	}

	head := s.Consumers[s.WaitingConsumers[0]]
	if head.Priority <= active.Priority {
		return effects
	}

	if len(active.CheckedOut) == 0 {
		s.demoteToWaiting(activeKey)
		effects = append(effects, s.promote(s.WaitingConsumers[0])...)
		return effects
	}

	if active.Status != ConsumerFading {
		active.Status = ConsumerFading
		s.ServiceQueue.Remove(activeKey)
	}
	return effects
}
