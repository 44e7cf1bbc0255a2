package fsm

// EffectType tags the variant carried by an Effect.
type EffectType string

const (
	EffectSendMsg       EffectType = "send_msg"
	EffectMonitor       EffectType = "monitor"
	EffectLog           EffectType = "log"
	EffectReply         EffectType = "reply"
	EffectReleaseCursor EffectType = "release_cursor"
	EffectTimer         EffectType = "timer"
	EffectModCall       EffectType = "mod_call"
	EffectAux           EffectType = "aux"
)

// DeliveryEntry names one message within a delivery batch.
type DeliveryEntry struct {
	MsgID  uint64
	Index  uint64
	Header Header
}

// Delivery is the payload of a send_msg/log effect carrying a checkout
// batch to one consumer.
type Delivery struct {
	ConsumerKey ConsumerKey
	ConsumerTag string
	ConsumerPid Pid
	Entries     []DeliveryEntry
	InlineBody  []byte // set only for a single-entry batch served from msg_cache
}

// MonitorTargetKind distinguishes process monitors from node monitors.
type MonitorTargetKind string

const (
	MonitorProcess MonitorTargetKind = "process"
	MonitorNode    MonitorTargetKind = "node"
)

// Effect is a tagged union of every side effect the state machine can ask
// the replication substrate to perform. Only the fields relevant to Type
// are populated.
type Effect struct {
	Type EffectType

	// send_msg
	SendTo  *Pid
	Payload interface{}
	Local   bool // true = local delivery, false = ra_event

	// monitor
	MonitorKind MonitorTargetKind
	MonitorPid  *Pid
	MonitorNode string

	// log: ask the substrate to fetch the raw commands at Indexes and
	// deliver them as Payload to the consumer named by Delivery, tagged
	// so the substrate knows which continuation to re-enter with the
	// fetched bodies. A Go closure cannot cross the replication boundary,
	// so the closure of spec.md §6 is represented as this tag instead.
	Indexes  []uint64
	LogTag   string
	Delivery *Delivery

	// reply
	ReplyTo   *Pid
	ReplyTerm interface{}

	// release_cursor
	CursorIndex uint64
	Dehydrated  *State

	// timer
	TimerName    string
	TimerDelayMS int64 // -1 represents "infinity" (cancel any pending timer)

	// mod_call
	Module   string
	Function string
	Args     map[string]interface{}

	// aux
	AuxTerm interface{}
}

func sendMsg(to Pid, payload interface{}, local bool) Effect {
	return Effect{Type: EffectSendMsg, SendTo: &to, Payload: payload, Local: local}
}

func monitorProcess(pid Pid) Effect {
	return Effect{Type: EffectMonitor, MonitorKind: MonitorProcess, MonitorPid: &pid}
}

func monitorNode(node string) Effect {
	return Effect{Type: EffectMonitor, MonitorKind: MonitorNode, MonitorNode: node}
}

func timerEffect(name string, delayMS int64) Effect {
	return Effect{Type: EffectTimer, TimerName: name, TimerDelayMS: delayMS}
}

func modCall(module, function string, args map[string]interface{}) Effect {
	return Effect{Type: EffectModCall, Module: module, Function: function, Args: args}
}

// Reply is the value handed back to the caller that issued a command.
type Reply struct {
	Kind Kind
}

// Kind is a free-form structured payload; concrete reply shapes are
// assembled as plain structs and carried in Reply.Kind via type switches
// at the call site, mirroring how the corpus keeps its own RPC reply
// envelopes loosely typed at the dispatch boundary and strongly typed one
// layer down.
type Kind = interface{}

func replyOK() Reply { return Reply{Kind: okReply{}} }

func replyErr(err error) Reply { return Reply{Kind: errorReply{Err: err}} }

type okReply struct{}

type errorReply struct{ Err error }

type checkoutSummaryReply struct {
	ConsumerKey ConsumerKey
	Priority    int32
}

type sendCreditReply struct {
	Tag           string
	MessagesReady uint64
}

type sendDrainedReply struct {
	Tag           string
	DeliveryCount uint32
}

type creditReplyMsg struct {
	Tag           string
	DeliveryCount uint32
	Credit        uint32
	Available     uint64
	Drain         bool
}

type dequeueMessageReply struct {
	MsgID       uint64
	Index       uint64
	Header      Header
	Body        []byte // populated only when served from msg_cache
	ConsumerKey ConsumerKey // set only for an unsettled draw; addresses a later settle/return
}

type outOfSequenceReply struct {
	Expected uint64
	Got      uint64
}
