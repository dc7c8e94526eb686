// Package conduit implements the peer-to-peer TCP connection subsystem:
// the framed, handshaking, ordered-or-unordered, optionally-TLS-wrapped,
// backpressure-aware Connection described in spec.md. The reader loop,
// sync writer, async pusher, direct-ack path, timeout/suspicion scheduler,
// and lifecycle are all methods on Connection; the framed codec, I/O
// filter, buffer vendor, chunked reassembler, and async queue each live in
// their own package (wire, iofilter, bufpool, reassembly, queue) and are
// composed here.
//
// Grounded throughout on _examples/xendarboh-katzenpost/client2/connection.go
// — see DESIGN.md's conduit entry for the specific mapping from that
// file's functions to the methods below.
package conduit

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/clustermesh/conduit/bufpool"
	"github.com/clustermesh/conduit/collab"
	"github.com/clustermesh/conduit/iofilter"
	"github.com/clustermesh/conduit/metrics"
	"github.com/clustermesh/conduit/queue"
	"github.com/clustermesh/conduit/reassembly"
	"github.com/clustermesh/conduit/worker"
)

// State is the connection's current activity (spec §3).
type State int

const (
	StateIdle State = iota
	StateSending
	StatePostSending
	StateReadingAck
	StateReceivedAck
	StateReading
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSending:
		return "Sending"
	case StatePostSending:
		return "PostSending"
	case StateReadingAck:
		return "ReadingAck"
	case StateReceivedAck:
		return "ReceivedAck"
	case StateReading:
		return "Reading"
	default:
		return "Unknown"
	}
}

// CloseReason records why a Connection closed, exposed to callers beyond
// what spec.md's own §7 error taxonomy mandates — see SPEC_FULL.md's
// "Structured close reasons" addition.
type CloseReason int

const (
	CloseReasonNone CloseReason = iota
	CloseReasonEOF
	CloseReasonProtocolError
	CloseReasonHandshakeTimeout
	CloseReasonIdleTimeout
	CloseReasonSlowReceiver
	CloseReasonForcedDisconnect
	CloseReasonCancelled
	CloseReasonGraceful
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonEOF:
		return "eof"
	case CloseReasonProtocolError:
		return "protocol-error"
	case CloseReasonHandshakeTimeout:
		return "handshake-timeout"
	case CloseReasonIdleTimeout:
		return "idle-timeout"
	case CloseReasonSlowReceiver:
		return "slow-receiver"
	case CloseReasonForcedDisconnect:
		return "forced-disconnect"
	case CloseReasonCancelled:
		return "cancelled"
	case CloseReasonGraceful:
		return "graceful"
	default:
		return "none"
	}
}

// Collaborators bundles the external dependencies spec §1 names as out of
// scope for the connection subsystem itself.
type Collaborators struct {
	Membership   collab.Membership
	Distributor  collab.Distributor
	Serializer   collab.Serializer
	Table        collab.ConnectionTable
	TLSFactory   collab.TLSEngineFactory
	Metrics      *metrics.Registry
}

// Connection is a single logical link to a remote member (spec §3).
type Connection struct {
	worker.Worker

	filter iofilter.Filter

	local  Identity
	remote collab.MemberID

	protocolVersion uint64
	dominoCount     int32

	isReceiver    bool
	shared        bool
	preserveOrder bool
	uniqueID      int64

	cfg      Config
	collab   Collaborators
	log      *log.Logger

	stateMu sync.Mutex
	state   State

	transmissionStartTime time.Time

	handshakeRead      atomic.Bool
	handshakeCancelled atomic.Bool
	connected          atomic.Bool
	closing            atomic.Bool
	stopped            atomic.Bool
	finishedConnecting atomic.Bool
	accessed           atomic.Bool
	socketInUse        atomic.Bool
	timedOut           atomic.Bool
	asyncMode          atomic.Bool
	asyncQueuing       atomic.Bool
	disconnectReq      atomic.Bool

	ackWaitWarned atomic.Bool
	severeAlerted atomic.Bool

	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64

	asyncDistributionTimeout time.Duration
	asyncQueueTimeout        time.Duration
	asyncMaxQueueSize        int
	ackWaitTimeout           time.Duration
	ackSATimeout             time.Duration
	idleTimeout              time.Duration

	ackGroup *AckGroup

	bufLease       *bufpool.Lease
	reassemblyPool *reassembly.Pool
	outQueue       *queue.Queue

	outLock sync.Mutex

	closeOnce   sync.Once
	closeReason atomic.Int32

	scheduler *scheduler
}

// IsReceiver reports whether this Connection was accepted rather than
// dialed.
func (c *Connection) IsReceiver() bool { return c.isReceiver }

// Shared reports whether multiple producer goroutines may send on this
// Connection concurrently.
func (c *Connection) Shared() bool { return c.shared }

// PreserveOrder reports whether this Connection guarantees in-order
// delivery.
func (c *Connection) PreserveOrder() bool { return c.preserveOrder }

// Remote returns the remote member identity, valid once the handshake has
// completed.
func (c *Connection) Remote() collab.MemberID { return c.remote }

// UniqueID returns the sender-assigned monotonic id exchanged during the
// handshake.
func (c *Connection) UniqueID() int64 { return c.uniqueID }

// MessagesSent returns the count of messages successfully written to the
// wire (spec §8 testable property 6).
func (c *Connection) MessagesSent() uint64 { return c.messagesSent.Load() }

// MessagesReceived returns the count of messages dispatched after a
// successful parse or reassembly.
func (c *Connection) MessagesReceived() uint64 { return c.messagesReceived.Load() }

// State returns the connection's current activity state.
func (c *Connection) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.stateMu.Lock()
	prev := c.state
	c.state = s
	inTransmission := s == StateSending || s == StateReadingAck
	wasInTransmission := prev == StateSending || prev == StateReadingAck
	if inTransmission && !wasInTransmission {
		c.transmissionStartTime = time.Now()
	}
	c.stateMu.Unlock()
	if !inTransmission {
		c.ackWaitWarned.Store(false)
		c.severeAlerted.Store(false)
	}
}

// CloseReason reports why the connection closed (CloseReasonNone if it
// hasn't).
func (c *Connection) CloseReason() CloseReason {
	return CloseReason(c.closeReason.Load())
}

// AsyncMode reports whether the sender has flipped to async mode
// following the receiver's OK-with-async-info reply (spec §4.6).
func (c *Connection) AsyncMode() bool { return c.asyncMode.Load() }

// touch marks the connection as recently used, clearing the idle-timeout
// clock (spec §4.11).
func (c *Connection) touch() {
	c.accessed.Store(true)
}

// participatesInIdleTimeout implements spec §3's invariant: unordered
// shared (failure-detection) connections never idle-close.
func (c *Connection) participatesInIdleTimeout() bool {
	return !(c.shared && !c.preserveOrder)
}

// uniqueIDCounter hands out the sender's monotonic unique-id (spec §3:
// "a monotonic unique-id (assigned by sender, echoed in its handshake)").
// One counter per process, shared by every Connection this process dials,
// mirrors client2/connection.go's use of a package-level sequence for its
// own session identifiers.
var uniqueIDCounter atomic.Int64

// nextUniqueID returns the next value in the process-wide monotonic
// sequence used to stamp a sender Connection's handshake preamble.
func nextUniqueID() int64 {
	return uniqueIDCounter.Add(1)
}

func newConnection(cfg Config, collaborators Collaborators, isReceiver bool) *Connection {
	role := "sender"
	if isReceiver {
		role = "receiver"
	}
	c := &Connection{
		isReceiver:     isReceiver,
		cfg:            cfg,
		collab:         collaborators,
		reassemblyPool: reassembly.NewPool(),
		log: log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			Prefix:          "conduit/" + role,
		}),
		asyncDistributionTimeout: cfg.AsyncDistributionTimeout,
		asyncQueueTimeout:        cfg.AsyncQueueTimeout,
		asyncMaxQueueSize:        cfg.AsyncMaxQueueSize,
		ackWaitTimeout:           cfg.AckWaitThreshold,
		ackSATimeout:             cfg.AckSevereAlertThreshold,
		idleTimeout:              cfg.IdleTimeout,
	}
	return c
}

// AckGroup is the set of peers participating in the current transmission,
// used to delay severe-alert cascades (spec §3 "ackConnectionGroup", §4.11
// severe-alert timer).
type AckGroup struct {
	mu      sync.Mutex
	members []*Connection
}

// NewAckGroup returns an empty ack-connection-group.
func NewAckGroup() *AckGroup {
	return &AckGroup{}
}

// Join adds c to the group if not already present.
func (g *AckGroup) Join(c *Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.members {
		if m == c {
			return
		}
	}
	g.members = append(g.members, c)
}

// Leave removes c from the group.
func (g *AckGroup) Leave(c *Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, m := range g.members {
		if m == c {
			g.members = append(g.members[:i], g.members[i+1:]...)
			return
		}
	}
}

// BumpOthers pushes every other member's transmissionStartTime forward by
// d, so a severe-alert firing for one slow transmission doesn't
// immediately re-fire for its groupmates (spec §4.11).
func (g *AckGroup) BumpOthers(except *Connection, d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.members {
		if m == except {
			continue
		}
		m.stateMu.Lock()
		m.transmissionStartTime = m.transmissionStartTime.Add(d)
		m.stateMu.Unlock()
	}
}
