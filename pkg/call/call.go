package call

import (
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/atomix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CompressionLevel is the coarse compression hint the application or the
// channel's default can request on SEND_INITIAL_METADATA, §4.3.
type CompressionLevel int

const (
	LevelNone CompressionLevel = iota
	LevelLow
	LevelMedium
	LevelHigh
)

// refcount wraps a padded atomic counter (code.hybscloud.com/atomix) for
// the two distinct refcounts a Call keeps, §3/§5/§9: the external,
// user-visible handle count and the internal count of outstanding async
// work. Collapsing them would lose the "user dropped the handle but a
// batch callback is still pending" distinction the destroy path relies on.
type refcount struct {
	n atomix.Uint32
}

func newRefcount(initial uint32) *refcount {
	r := &refcount{}
	r.n.Add(initial)
	return r
}

func (r *refcount) add(delta uint32) uint32 { return r.n.Add(delta) }

// sub decrements by delta using the two's-complement wraparound the
// stdlib atomic.Uint32.Add contract documents, and atomix.Uint32 mirrors.
func (r *refcount) sub(delta uint32) uint32 { return r.n.Add(^delta + 1) }

// CreateArgs are the arguments to Create, §6.
type CreateArgs struct {
	Channel         Channel
	Transport       FilterStack
	CompletionQueue CompletionQueue
	UsesPollingSet  bool

	Parent      *Call
	Propagation PropagationMask

	IsServer bool

	SendDeadline time.Time

	// Method is the request path, required on the client (up to the
	// three initial-metadata entries of §6 always includes it).
	Method    string
	Authority string

	Observer CompletionObserver
}

// Call is the per-RPC state machine described by this package, §3.
type Call struct {
	isClient bool

	channel   Channel
	transport FilterStack
	combiner  *Combiner

	cq             CompletionQueue
	usesPollingSet bool

	startTime    time.Time
	sendDeadline time.Time

	status statusRegister
	md     metadataBatches

	batchMu       sync.Mutex
	activeBatches [6]*batchControl

	recvOrder recvOrderCoordinator

	incomingMessageCompression string
	incomingStreamCompression  string
	encodingsAcceptedByPeer    acceptEncodingBit

	flagsMu                 sync.Mutex
	sentInitialMetadata     bool
	sendingMessage          bool
	sentFinalOp             bool
	receivedInitialMetadata bool
	receivingMessage        bool
	requestedFinalOp        bool

	anyOpsSentAtm      atomic.Bool
	receivedFinalOpAtm atomic.Bool

	parentCallPtr atomic.Pointer[parentCall]
	child         *childCall

	extRef      *refcount
	internalRef *refcount

	method    string
	authority string

	observer CompletionObserver

	ctxMu    sync.Mutex
	ctxKeys  []any
	ctxVals  map[any]ctxEntry

	cancelled bool
}

type ctxEntry struct {
	value   any
	destroy func(any)
}

// Create builds a new Call, §6. The caller holds one external reference
// on return.
func Create(args CreateArgs) (*Call, error) {
	if args.CompletionQueue != nil && args.UsesPollingSet {
		return nil, newCallError(ErrorGeneric, "completion queue and polling-set alternative are mutually exclusive")
	}
	if args.IsServer {
		if args.CompletionQueue != nil && !args.CompletionQueue.IsServerQueue() {
			return nil, newCallError(ErrorNotServerCompletionQueue, "completion queue cannot service server calls")
		}
	} else if args.Method == "" {
		return nil, newCallError(ErrorInvalidMetadata, "client calls require a method path")
	}

	c := &Call{
		isClient:     !args.IsServer,
		channel:      args.Channel,
		transport:    args.Transport,
		combiner:     &Combiner{},
		cq:           args.CompletionQueue,
		usesPollingSet: args.UsesPollingSet,
		startTime:    time.Now(),
		sendDeadline: args.SendDeadline,
		method:       args.Method,
		authority:    args.Authority,
		observer:     args.Observer,
		extRef:       newRefcount(1),
		internalRef:  newRefcount(1),
		ctxVals:      make(map[any]ctxEntry),
	}

	if args.Parent != nil {
		if d, ok := deadlineMin(args.SendDeadline, args.Parent.sendDeadline, args.Propagation&PropagateDeadline != 0); ok {
			c.sendDeadline = d
		}
		if err := attachChild(args.Parent, c, args.Propagation); err != nil {
			return nil, err
		}
		args.Parent.internalRef.add(1)
		if args.Propagation&PropagateCancellation != 0 && args.Parent.receivedFinalOpAtm.Load() {
			c.cancelWithError(SourceAPIOverride, status.Error(codes.Cancelled, "parent call already finished"))
		}
	}

	return c, nil
}

func deadlineMin(userDeadline, parentDeadline time.Time, inherit bool) (time.Time, bool) {
	if !inherit || parentDeadline.IsZero() {
		return userDeadline, !userDeadline.IsZero()
	}
	if userDeadline.IsZero() || parentDeadline.Before(userDeadline) {
		return parentDeadline, true
	}
	return userDeadline, true
}

// Ref adds an external reference.
func (c *Call) Ref() { c.extRef.add(1) }

// Unref drops an external reference. The last unref injects a synthetic
// cancellation if ops were sent but the final op was never received, then
// drops the matching internal reference, §3 Lifecycle.
func (c *Call) Unref() {
	if c.extRef.sub(1) != 0 {
		return
	}
	if c.anyOpsSentAtm.Load() && !c.receivedFinalOpAtm.Load() {
		c.cancelWithError(SourceAPIOverride, status.Error(codes.Cancelled, "call dropped before receiving final status"))
	}
	c.internalUnref()
}

func (c *Call) internalRefTake() { c.internalRef.add(1) }

func (c *Call) internalUnref() {
	if c.internalRef.sub(1) != 0 {
		return
	}
	c.destroy()
}

func (c *Call) destroy() {
	if c.child != nil {
		unlinkChild(c)
		c.child.parent.internalUnref()
	}
	for i := len(c.ctxKeys) - 1; i >= 0; i-- {
		key := c.ctxKeys[i]
		if entry, ok := c.ctxVals[key]; ok && entry.destroy != nil {
			entry.destroy(entry.value)
		}
	}
	if c.observer != nil {
		c.observer.OnCallCompleted(c.finalCallInfo())
	}
}

func (c *Call) finalCallInfo() FinalCallInfo {
	defaultCode := codes.Unknown
	if !c.isClient {
		defaultCode = codes.OK
	}
	err := c.status.getFinal(defaultCode)
	st, _ := status.FromError(err)
	return FinalCallInfo{
		Method:        c.method,
		IsClient:      c.isClient,
		StatusCode:    int32(st.Code()),
		StatusMessage: st.Message(),
		Duration:      int64(time.Since(c.startTime)),
	}
}

// SetCompletionQueue registers cq as the completion sink, only legal when
// no polling-set alternative was installed — violating that is the one
// documented fatal/process-abort path, §7.
func (c *Call) SetCompletionQueue(cq CompletionQueue) {
	if c.usesPollingSet {
		panic("call: SetCompletionQueue called on a call already using a polling-set alternative")
	}
	c.cq = cq
}

// IsClient reports whether this Call is client-initiated.
func (c *Call) IsClient() bool { return c.isClient }

// Method returns the RPC method name this call was created with.
func (c *Call) Method() string { return c.method }

// Peer returns the remote endpoint identity the channel supplies.
func (c *Call) Peer() string {
	if c.channel == nil {
		return ""
	}
	return c.channel.Peer()
}

// CompressionForLevel resolves level against the peer's accept-encoding
// set, skipping any algorithm the channel has administratively disabled.
func (c *Call) CompressionForLevel(level CompressionLevel) string {
	accepted := c.encodingsAcceptedByPeer
	if c.channel != nil {
		for _, name := range c.channel.DisabledEncodings() {
			accepted &^= encodingBits[name]
		}
	}
	return resolveCompressionAlgorithm(level, accepted)
}

// GetCallStack is a diagnostic accessor returning the FilterStack driving
// this Call.
func (c *Call) GetCallStack() FilterStack { return c.transport }

// ContextSet stores value under slot, destroyed with destroy (if non-nil)
// at Call teardown, in reverse-registration order — the original's
// context-slot teardown order, §GLOSSARY / SPEC_FULL supplemented
// features.
func (c *Call) ContextSet(slot any, value any, destroy func(any)) {
	c.ctxMu.Lock()
	defer c.ctxMu.Unlock()
	if _, exists := c.ctxVals[slot]; !exists {
		c.ctxKeys = append(c.ctxKeys, slot)
	}
	c.ctxVals[slot] = ctxEntry{value: value, destroy: destroy}
}

// ContextGet retrieves a previously-set context value.
func (c *Call) ContextGet(slot any) (any, bool) {
	c.ctxMu.Lock()
	defer c.ctxMu.Unlock()
	entry, ok := c.ctxVals[slot]
	return entry.value, ok
}
