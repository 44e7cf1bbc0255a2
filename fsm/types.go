// Package fsm implements the deterministic state machine of a replicated
// FIFO message queue: a pure Apply(meta, command, state) function plus a
// set of read-only queries. It performs no I/O, reads no wall clock, and
// draws no randomness — every time-dependent decision is driven by fields
// on Meta supplied by the caller.
package fsm

import "strings"

// Pid identifies a process (enqueuer or consumer) known to the replication
// substrate. Node is the cluster node the process runs on; used to group
// liveness transitions by node.
type Pid struct {
	Node string
	ID   string
}

func (p Pid) String() string {
	return p.Node + "/" + p.ID
}

// MarshalText and UnmarshalText let Pid serve as a JSON object key (used
// for the Enqueuers map in dehydrated state) and round-trip through YAML.
func (p Pid) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Pid) UnmarshalText(b []byte) error {
	node, id, _ := strings.Cut(string(b), "/")
	p.Node = node
	p.ID = id
	return nil
}

// ConsumerKey is the canonical integer identity of a consumer: the log
// index at which it was first attached, in the v4 wire format. Older
// clients may address a consumer by its (tag, pid) tuple instead; the
// dispatcher resolves either form to this canonical key before mutating
// state.
type ConsumerKey uint64

// ConsumerKeyRef is how a command names a consumer: either the canonical
// integer key or the legacy (tag, pid) tuple.
type ConsumerKeyRef struct {
	Canonical *ConsumerKey
	Tag       string
	Pid       Pid
}

// Header is the compact per-message metadata retained in state; the body
// itself lives only in the replicated log.
type Header struct {
	SizeBytes     uint64
	ExpiryTS      *int64
	DeliveryCount uint32
}

func (h Header) hasExpiry() bool { return h.ExpiryTS != nil }

// MsgRef is the state's reference to a message: a log index plus header.
type MsgRef struct {
	Index  uint64
	Header Header
}

// CheckedMsg is a message currently delivered to, but not yet settled by,
// a consumer.
type CheckedMsg struct {
	DeadlineTS int64
	MsgID      uint64
	Ref        MsgRef
}

// EnqueuerStatus is the liveness status of a tracked publisher.
type EnqueuerStatus int

const (
	EnqueuerUp EnqueuerStatus = iota
	EnqueuerSuspectedDown
)

// Enqueuer tracks a publisher's next expected sequence number and overflow
// blocking state.
type Enqueuer struct {
	Pid            Pid
	NextSeqno      uint64
	Status         EnqueuerStatus
	BlockedAtIndex *uint64
}

// ConsumerLifetime controls whether a consumer detaches after its first
// delivered batch (once) or stays attached (auto).
type ConsumerLifetime int

const (
	LifetimeAuto ConsumerLifetime = iota
	LifetimeOnce
)

// CreditModeKind selects which of the two credit protocols a consumer uses.
type CreditModeKind int

const (
	CreditModeSimplePrefetch CreditModeKind = iota
	CreditModeCredited
)

// CreditMode is a consumer's negotiated flow-control mode.
type CreditMode struct {
	Kind                 CreditModeKind
	Max                  uint32 // simple_prefetch: replenishment ceiling
	InitialDeliveryCount uint32 // credited: v2 initial delivery_count
}

// ConsumerCfg is the static configuration recorded at attach time.
type ConsumerCfg struct {
	Tag        string
	Pid        Pid
	Lifetime   ConsumerLifetime
	CreditMode CreditMode
	Meta       map[string]string
}

// ConsumerStatus is a consumer's current liveness/activity state.
type ConsumerStatus int

const (
	ConsumerUp ConsumerStatus = iota
	ConsumerSuspectedDown
	ConsumerCancelled
	ConsumerFading
	ConsumerTimedOut
	// ConsumerWaiting marks a single_active consumer parked in
	// waiting_consumers: alive, but not the active recipient. Kept
	// distinct from ConsumerUp so invariant 4 ("at most one consumer has
	// status up or fading") is a direct field check.
	ConsumerWaiting
)

func (s ConsumerStatus) String() string {
	switch s {
	case ConsumerUp:
		return "up"
	case ConsumerSuspectedDown:
		return "suspected_down"
	case ConsumerCancelled:
		return "cancelled"
	case ConsumerFading:
		return "fading"
	case ConsumerTimedOut:
		return "timed_out"
	case ConsumerWaiting:
		return "waiting"
	default:
		return "unknown"
	}
}

// Consumer is a registered consumer and its checkout state.
type Consumer struct {
	Key         ConsumerKey
	Cfg         ConsumerCfg
	Credit      uint32
	DeliveryCount uint32
	NextMsgID   uint64
	CheckedOut  []CheckedMsg // sorted ascending by MsgID
	Status      ConsumerStatus
	Priority    int32
	SvcSeq      uint64 // insertion sequence, used for service_queue FIFO tie-break
}

func (c *Consumer) legacyKey() string {
	return c.Cfg.Tag + "\x00" + c.Cfg.Pid.String()
}

// OverflowStrategy governs behavior once max_length/max_bytes is exceeded.
type OverflowStrategy int

const (
	OverflowDropHead OverflowStrategy = iota
	OverflowRejectPublish
)

// ConsumerStrategyKind selects competing vs single-active consumer discipline.
type ConsumerStrategyKind int

const (
	StrategyCompeting ConsumerStrategyKind = iota
	StrategySingleActive
)

// DeadLetterHandler names an opaque external callback target, used both for
// dead_letter_handler and become_leader_handler configuration.
type DeadLetterHandler struct {
	Module   string
	Function string
	Args     map[string]string
}

// ReleaseCursorInterval tracks the base configured interval and the
// currently adapted one.
type ReleaseCursorInterval struct {
	Base    uint64
	Current uint64
}

// QueueConfig is the static-per-version configuration of a queue.
type QueueConfig struct {
	Name                    string
	ResourceID              string
	MaxLength               uint64 // 0 = unlimited
	MaxBytes                uint64 // 0 = unlimited
	DeliveryLimit           uint32 // 0 = unlimited
	MsgTTL                  *uint64
	Expires                 *uint64
	ReleaseCursorInterval   ReleaseCursorInterval
	ReleaseCursorEveryMax   uint64
	OverflowStrategy        OverflowStrategy
	ConsumerStrategy        ConsumerStrategyKind
	DeadLetterHandler       *DeadLetterHandler
	BecomeLeaderHandler     *DeadLetterHandler
	ConsumerLockMS          uint64
	SoftLimitWatermark      float64 // fraction of hard limit, default 0.8
	SingleActiveConsumerOn  bool
}

// DefaultQueueConfig returns the configuration a freshly created queue
// starts with, matching the field defaults spec.md implies.
func DefaultQueueConfig(name, resourceID string) QueueConfig {
	return QueueConfig{
		Name:       name,
		ResourceID: resourceID,
		ReleaseCursorInterval: ReleaseCursorInterval{
			Base:    64,
			Current: 64,
		},
		ReleaseCursorEveryMax: 3200,
		OverflowStrategy:      OverflowDropHead,
		ConsumerStrategy:      StrategyCompeting,
		ConsumerLockMS:        30 * 60 * 1000,
		SoftLimitWatermark:    0.8,
	}
}

// ConfigDelta is a partial update to QueueConfig; nil fields are left
// untouched, distinguishing "not present" from "explicitly zeroed".
type ConfigDelta struct {
	DeadLetterHandler      **DeadLetterHandler
	BecomeLeaderHandler    **DeadLetterHandler
	ReleaseCursorInterval  *uint64
	OverflowStrategy       *OverflowStrategy
	MaxLength              *uint64
	MaxBytes               *uint64
	DeliveryLimit          *uint32
	Expires                **uint64
	MsgTTL                 **uint64
	SingleActiveConsumerOn *bool
}

// ReleaseCursor is a pending (log_index, dehydrated_state) truncation point.
type ReleaseCursor struct {
	Index      uint64
	Dehydrated *State
}

// DLXState is the opaque state of the dead-letter sidecar as seen by the
// core: counters only, the actual dead-letter storage/dispatch lives
// outside the state machine.
type DLXState struct {
	Count    uint64
	Bytes    uint64
	ByReason map[string]uint64
}

func newDLXState() DLXState {
	return DLXState{ByReason: map[string]uint64{}}
}

func (d *DLXState) record(reason string, size uint64) {
	if d.ByReason == nil {
		d.ByReason = map[string]uint64{}
	}
	d.Count++
	d.Bytes += size
	d.ByReason[reason]++
}

func (d DLXState) dehydrate() DLXState {
	cp := DLXState{Count: d.Count, Bytes: d.Bytes, ByReason: map[string]uint64{}}
	for k, v := range d.ByReason {
		cp.ByReason[k] = v
	}
	return cp
}

// MsgCacheEntry lets checkout deliver a message body inline, avoiding a
// log-read effect, when a single message was just enqueued directly to an
// otherwise-idle queue with a consumer already waiting.
type MsgCacheEntry struct {
	Index uint64
	Body  []byte
}

// State is the singleton per-replica queue state.
type State struct {
	Cfg QueueConfig

	Messages []MsgRef
	Returns  []MsgRef

	RaIndexes *IndexSet

	MessagesTotal    uint64
	MsgBytesEnqueue  uint64
	MsgBytesCheckout uint64
	EnqueueCount     uint64

	Enqueuers map[Pid]*Enqueuer

	Consumers  map[ConsumerKey]*Consumer
	LegacyKeys map[string]ConsumerKey

	ServiceQueue *ServiceQueue
	ServiceSeq   uint64

	WaitingConsumers []ConsumerKey // single_active mode; sorted (priority desc, credit desc, key asc)

	ReleaseCursors []ReleaseCursor

	DLX DLXState

	LastActive int64

	MsgCache *MsgCacheEntry

	MachineVersion uint32
}

// New returns an empty queue state at the current machine version.
func New(cfg QueueConfig) *State {
	return &State{
		Cfg:            cfg,
		RaIndexes:      newIndexSet(),
		Enqueuers:      map[Pid]*Enqueuer{},
		Consumers:      map[ConsumerKey]*Consumer{},
		LegacyKeys:     map[string]ConsumerKey{},
		ServiceQueue:   newServiceQueue(),
		DLX:            newDLXState(),
		MachineVersion: CurrentMachineVersion,
	}
}
