package call

import (
	"errors"
	"sync"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
)

// ReceivedMessage is the user-visible byte buffer assembled by §4.6. If the
// stream was flagged compressed and the incoming message-compression
// algorithm is non-identity, the bytes are left compressed for zero-copy
// passthrough; Algorithm then names the codec the application must apply.
type ReceivedMessage struct {
	Data       []byte
	Compressed bool
	Algorithm  string
}

// MessagePuller is the §4.6 stream-pull contract a FilterStack satisfies
// for one in-flight RecvMessage. PullSlice returns the next chunk of the
// incoming message. An error satisfying errors.Is(err, iox.ErrWouldBlock)
// means the stream has nothing ready yet, not failure; the Call arms a
// continuation via ArmReady and resumes the loop once that continuation
// fires.
type MessagePuller interface {
	// PullSlice returns the next slice, (nil, true, nil) once the message
	// is fully received, or a terminal error.
	PullSlice() (slice []byte, done bool, err error)
	// ArmReady registers a one-shot callback fired when a previously
	// suspended PullSlice would now make progress.
	ArmReady(ready func())
	// Close releases the underlying stream. Called exactly once whether
	// the pull finished, errored, or was abandoned.
	Close()
}

type pulledSlice struct {
	data []byte
	done bool
	err  error
}

// SPSCMessagePuller is the default MessagePuller: a bounded single-
// producer/single-consumer slice queue between a transport's read
// goroutine (producer) and the Call's assembly loop (consumer), grounded
// on hayabusa-cloud-sess's lfq.SPSC transport queues and its
// iox.ErrWouldBlock suspend contract.
type SPSCMessagePuller struct {
	queue lfq.SPSC[pulledSlice]

	mu    sync.Mutex
	avail int
	ready func()
}

// NewSPSCMessagePuller creates a puller whose bounded queue holds up to
// capacity pulled slices before Push itself suspends.
func NewSPSCMessagePuller(capacity int) *SPSCMessagePuller {
	p := &SPSCMessagePuller{}
	p.queue.Init(capacity)
	return p
}

// Push is called by the transport's producer goroutine for each slice read
// off the wire. Push returns iox.ErrWouldBlock if the bounded queue is
// full; the slice is then not enqueued.
func (p *SPSCMessagePuller) Push(data []byte) error {
	return p.enqueue(pulledSlice{data: data})
}

// PushDone marks the stream as fully delivered.
func (p *SPSCMessagePuller) PushDone() error {
	return p.enqueue(pulledSlice{done: true})
}

// PushError marks the stream as failed.
func (p *SPSCMessagePuller) PushError(err error) error {
	return p.enqueue(pulledSlice{err: err})
}

func (p *SPSCMessagePuller) enqueue(item pulledSlice) error {
	if err := p.queue.Enqueue(&item); err != nil {
		return err
	}
	p.mu.Lock()
	p.avail++
	ready := p.ready
	p.ready = nil
	p.mu.Unlock()
	if ready != nil {
		ready()
	}
	return nil
}

func (p *SPSCMessagePuller) PullSlice() ([]byte, bool, error) {
	item, err := p.queue.Dequeue()
	if err != nil {
		return nil, false, err
	}
	p.mu.Lock()
	p.avail--
	p.mu.Unlock()
	if item.err != nil {
		return nil, false, item.err
	}
	if item.done {
		return nil, true, nil
	}
	return item.data, false, nil
}

// ArmReady fires ready immediately if a push slipped in between the
// consumer's failed pull and this call, closing the missed-wakeup window.
func (p *SPSCMessagePuller) ArmReady(ready func()) {
	p.mu.Lock()
	if p.avail > 0 {
		p.mu.Unlock()
		ready()
		return
	}
	p.ready = ready
	p.mu.Unlock()
}

func (p *SPSCMessagePuller) Close() {}

// assembleMessage implements §4.6: pull slices from puller into one
// buffer, suspending on iox.ErrWouldBlock and resuming via the puller's
// ready callback, until the stream reports done or a terminal error.
// onDone is invoked exactly once, possibly synchronously from within this
// call if the whole message was already buffered.
func assembleMessage(puller MessagePuller, compressed bool, algorithm string, onDone func(*ReceivedMessage, error)) {
	var buf []byte
	var step func()
	step = func() {
		for {
			slice, done, err := puller.PullSlice()
			if err != nil {
				if errors.Is(err, iox.ErrWouldBlock) {
					puller.ArmReady(step)
					return
				}
				puller.Close()
				onDone(nil, err)
				return
			}
			if done {
				puller.Close()
				onDone(&ReceivedMessage{Data: buf, Compressed: compressed, Algorithm: algorithm}, nil)
				return
			}
			buf = append(buf, slice...)
		}
	}
	step()
}
