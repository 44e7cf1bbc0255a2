package fsm

// CommandType tags the variant carried by a Command.
type CommandType string

const (
	CmdEnqueue              CommandType = "enqueue"
	CmdEnqueueV2            CommandType = "enqueue_v2"
	CmdRegisterEnqueuer     CommandType = "register_enqueuer"
	CmdCheckout             CommandType = "checkout"
	CmdCancelConsumer       CommandType = "cancel_consumer"
	CmdRemoveConsumer       CommandType = "remove_consumer"
	CmdSettle               CommandType = "settle"
	CmdReturn               CommandType = "return"
	CmdDiscard              CommandType = "discard"
	CmdDefer                CommandType = "defer"
	CmdCredit               CommandType = "credit"
	CmdRequeue              CommandType = "requeue"
	CmdPurge                CommandType = "purge"
	CmdPurgeNodes           CommandType = "purge_nodes"
	CmdUpdateConfig         CommandType = "update_config"
	CmdGarbageCollection    CommandType = "garbage_collection"
	CmdEvalConsumerTimeouts CommandType = "eval_consumer_timeouts"
	CmdTimeout              CommandType = "timeout"
	CmdDown                 CommandType = "down"
	CmdNodeUp               CommandType = "nodeup"
	CmdNodeDown             CommandType = "nodedown"
	CmdMachineVersion       CommandType = "machine_version"
	CmdDLX                  CommandType = "dlx"
)

// ReplyMode tells the dispatcher where a reply, if any, should be routed.
// For enqueue_v2, per spec.md §4.1, the publisher pid also rides on this
// field rather than a dedicated one.
type ReplyMode struct {
	Kind string // "noreply" | "ra_event" | "local"
	Pid  *Pid
}

// Meta is the externally supplied, non-deterministic context of a command:
// its log index, the substrate's wall-clock reading at commit time, the
// originating pid, and how to route a reply.
type Meta struct {
	Index      uint64
	SystemTime int64
	From       *Pid
	ReplyMode  ReplyMode
}

// Command is a tagged union of every operation the state machine accepts.
// Only the fields relevant to Type are populated; this mirrors the
// generic tagged-struct dispatch shape used for the replicated command
// envelope elsewhere in this codebase's raft integration.
type Command struct {
	Type CommandType

	// enqueue / enqueue_v2
	Pid     *Pid
	Seqno   uint64
	Payload []byte
	MsgTTL  *uint64

	// checkout (register/merge consumer)
	ConsumerTag        string
	ConsumerPid        Pid
	Prefetch           uint32
	CreditModeKind     CreditModeKind
	CreditModeMax      uint32
	CreditModeInitial  uint32
	Priority           int32
	Lifetime           ConsumerLifetime
	ConsumerMeta       map[string]string
	IsDequeueSpec      bool
	DequeueSettlement  string // "settled" | "unsettled"

	// settle / return / discard / defer / credit / eval_consumer_timeouts
	ConsumerKey  *ConsumerKeyRef
	MsgIDs       []uint64
	ConsumerKeys []ConsumerKeyRef

	// credit
	Credit                uint32
	Drain                 bool
	ReceiverDeliveryCount uint32 // v2 only: receiver-reported delivery_count

	// requeue
	OldIndex     uint64
	Body         []byte
	RequeueHeader Header

	// purge_nodes
	Nodes []string

	// update_config
	ConfigDelta *ConfigDelta

	// down / nodeup / nodedown
	DownPid    *Pid
	DownReason string // "noconnection" | anything else
	Node       string

	// machine_version
	FromVersion uint32
	ToVersion   uint32

	// dlx passthrough (opaque args forwarded to the dead-letter handler)
	DLXArgs map[string]string
}
