package fsm

import "errors"

// Error kinds surfaced to callers. All are recoverable: none of them abort
// the state machine or change state.
var (
	ErrInvalidConsumerKey              = errors.New("fsm: invalid consumer key")
	ErrConsumerNotFound                = errors.New("fsm: consumer not found")
	ErrUnsupportedSingleActiveConsumer = errors.New("fsm: unsupported operation under single_active_consumer")
	ErrNoMessageAtPos                  = errors.New("fsm: no message at position")
	ErrDequeueEmpty                    = errors.New("fsm: queue empty")
)
