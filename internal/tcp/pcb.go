// Package tcp implements the TCP engine of spec §4.7: the RFC 793 state
// machine, Reno-style congestion control, RFC 3465 slow start, fast
// retransmit, optional SACK, window scaling, timestamps, Nagle/delayed-ACK,
// persist/keepalive timers, and an out-of-order reassembly queue.
package tcp

import (
	"net"

	"github.com/fqnews/vpncore/internal/iface"
	"github.com/fqnews/vpncore/internal/pbuf"
)

// Default tuning constants, named after their lwip counterparts (spec §3).
const (
	defaultMSS   = 536
	maxBacklog   = 128
	rtoInitial   = 3000 // milliseconds
	rtoMin       = 250
	rtoMax       = 60000
	delayedACKMs = 200
	msl2Ms       = 60000 // 2*MSL, coarse
	keepIdleMs   = 7200000
	keepIntvlMs  = 75000
	keepCountMax = 9
	ooqByteCap   = 1 << 16
	ooqBufCap    = 64
	sackMaxRanges = 4
)

// AcceptFunc is invoked when a listener's child PCB reaches ESTABLISHED.
// Returning an error aborts the connection, per spec §4.7.1.
type AcceptFunc func(child *Pcb) error

// RecvFunc delivers in-order application data; data == nil signals FIN.
type RecvFunc func(pcb *Pcb, data *pbuf.Buf)

// SentFunc reports newly-acknowledged byte counts.
type SentFunc func(pcb *Pcb, acked int)

// ConnectedFunc is invoked once an active connection reaches ESTABLISHED.
type ConnectedFunc func(pcb *Pcb) error

// ErrFunc reports a fatal connection error (abort, RST, timeout).
type ErrFunc func(pcb *Pcb, err error)

// Pcb is a TCP connection's control block, per spec §3's data model.
type Pcb struct {
	LocalIP    net.IP
	LocalPort  uint16
	RemoteIP   net.IP
	RemotePort uint16
	Netif      *iface.Iface

	state State
	flags Flags

	// Send side.
	sndNxt    Seq
	sndUna    Seq
	sndWnd    int
	sndWndMax int
	sndWl1    Seq
	sndWl2    Seq
	sndBuf    int
	cwnd      int
	ssthresh  int
	mss       int
	rto       int // milliseconds
	sa, sv    int // smoothed RTT * 8, variance * 4 (Jacobson/Karels, fixed point)
	rttest    int64
	rtseq     Seq
	rtoEnd    int64
	nrtx      int
	dupacks   int
	bytesAcked int
	unsent    *outSeg
	unsentTail *outSeg
	unacked   *outSeg
	unackedTail *outSeg

	persistBackoff int
	keepCntSent    int

	// Receive side.
	rcvNxt    Seq
	rcvWnd    int
	rcvAnnWnd int
	ooq       *ooSeg
	ooqBytes  int
	sack      []sackRange
	refused   *pbuf.Buf

	// Options negotiated at handshake time.
	sndWS, rcvWS uint8
	tsRecent     uint32
	tsLastSent   int64

	// Timers (milliseconds since an arbitrary epoch, supplied by the
	// caller via Tick — this package never reads the wall clock itself).
	rtime      int64 // -1 when stopped
	lastActive int64
	timeWaitAt int64

	iss Seq

	backlog   int
	listener  *Listener

	Recv      RecvFunc
	Sent      SentFunc
	Connected ConnectedFunc
	Err       ErrFunc

	TTL, TOS uint8

	table *Table
}

// State returns the PCB's current TCP state.
func (p *Pcb) State() State { return p.state }

// Snapshot is a point-in-time read of connection statistics, named after
// the subset of fields a caller is likely to want to export (mirroring
// the teacher's LinuxTCPInfo field selection, minus the kernel-specific
// counters that have no meaning for a userspace PCB).
type Snapshot struct {
	State        State
	RTT          int
	RTTVar       int
	SndCwnd      int
	SndSsThresh  int
	SndMSS       int
	RcvSpace     int
	Retransmits  int
	TotalRetrans int
	BytesSent    int64
	BytesAcked   int64
}

// Snapshot reports the PCB's current statistics. TotalRetrans, BytesSent
// and BytesAcked are not tracked and are always zero.
func (p *Pcb) Snapshot() Snapshot {
	return Snapshot{
		State:       p.state,
		RTT:         p.sa >> 3,
		RTTVar:      p.sv >> 2,
		SndCwnd:     p.cwnd,
		SndSsThresh: p.ssthresh,
		SndMSS:      p.mss,
		RcvSpace:    p.rcvWnd,
		Retransmits: p.nrtx,
	}
}

// newPcb allocates a PCB with the default field values spec §4.7.3
// describes for a fresh connection.
func newPcb(t *Table) *Pcb {
	return &Pcb{
		state:    CLOSED,
		mss:      defaultMSS,
		cwnd:     defaultMSS * 4,
		ssthresh: 1 << 30,
		rto:      rtoInitial,
		rcvWnd:   1 << 16,
		rtime:    -1,
		table:    t,
	}
}

func (p *Pcb) effectiveWnd() int {
	w := p.sndWnd
	if w < 0 {
		w = 0
	}
	return w
}

func (p *Pcb) inFlight() int {
	return int(Diff(p.sndNxt, p.sndUna))
}
