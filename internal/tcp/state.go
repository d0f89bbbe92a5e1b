package tcp

import "fmt"

// State is the enumeration of TCP states, RFC 793 plus the explicit
// CLOSED sentinel (spec §4.7.1).
type State int32

const (
	CLOSED State = iota
	LISTEN
	SYN_SENT
	SYN_RCVD
	ESTABLISHED
	FIN_WAIT_1
	FIN_WAIT_2
	CLOSE_WAIT
	CLOSING
	LAST_ACK
	TIME_WAIT
)

var stateName = map[State]string{
	CLOSED:      "CLOSED",
	LISTEN:      "LISTEN",
	SYN_SENT:    "SYN_SENT",
	SYN_RCVD:    "SYN_RCVD",
	ESTABLISHED: "ESTABLISHED",
	FIN_WAIT_1:  "FIN_WAIT_1",
	FIN_WAIT_2:  "FIN_WAIT_2",
	CLOSE_WAIT:  "CLOSE_WAIT",
	CLOSING:     "CLOSING",
	LAST_ACK:    "LAST_ACK",
	TIME_WAIT:   "TIME_WAIT",
}

func (s State) String() string {
	if n, ok := stateName[s]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN_STATE_%d", s)
}

// established reports whether receive() should be entered for this state,
// per spec §4.7.2: ESTABLISHED and later, excluding TIME_WAIT. SYN_RCVD
// segments go to recvSynRcvd instead.
func (s State) established() bool {
	return s >= ESTABLISHED && s != TIME_WAIT
}

// Flags is a bitmask of per-PCB condition flags, mirroring lwip's
// tcp_pcb.flags field named in spec §3.
type Flags uint32

const (
	FlagAckDelay Flags = 1 << iota
	FlagAckNow
	FlagInFastRecovery // INFR
	FlagRTO
	FlagRxClosed
	FlagTxClosed
	FlagWndScale
	FlagTimestamp
	FlagSACK
	FlagClosed // delayed close pending
	FlagReset
	FlagGotFIN
	FlagNoDelay
	FlagNagleMemErr
	FlagBacklogPend
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }
