// Package call implements the Call Orchestrator: mesh-carried signaling,
// Wi-Fi Direct handover, and a loopback/peer UDP relay that lets an
// off-the-shelf WebRTC media engine believe it is talking to localhost.
package call

import "time"

// State is a position in the call state machine:
// Idle → Offering → Ringing(callee only) → Connecting → Connected → Ended → Idle.
type State int

const (
	Idle State = iota
	Offering
	Ringing
	Connecting
	Connected
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Offering:
		return "Offering"
	case Ringing:
		return "Ringing"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Ended:
		return "Ended"
	default:
		return "Unknown"
	}
}

// Fixed network addresses and ports for the Phase-2/Phase-3 handover.
const (
	GroupOwnerAddr  = "192.168.49.1"
	TCPSignalPort   = 29876
	UDPRelayPort    = 59876
	SyntheticICEHost = "127.0.0.1"
	// SyntheticICEPriority is a host-UDP candidate priority (type preference
	// 126, local preference 65535, component 1), matching a real host
	// candidate so the media engine never prefers anything else.
	SyntheticICEPriority = 2130706431
)

// Timeouts governing Phase-2 handover, per the state machine's bring-up
// budget.
const (
	ReadySignalSpacing   = 500 * time.Millisecond
	CallerPreStopDelay   = 2 * time.Second
	CalleePreStopDelay   = 4 * time.Second
	InterfacePollInterval = 500 * time.Millisecond
	InterfacePollTimeout  = 15 * time.Second
	DiscoverRetries       = 5
	DiscoverRetryGap      = 3 * time.Second
	ConnectionInfoPollInterval = 2 * time.Second
	ConnectionInfoPollTimeout  = 40 * time.Second
	TCPConnectRetries    = 10
	TCPConnectRetryGap   = 3 * time.Second
	PostCallRestartDelay = 2 * time.Second

	// ReadySignalCount is the number of redundant ready signals sent to
	// survive a lossy BLE relay hop.
	ReadySignalCount = 3
)

// UDPRelayBufferCap bounds the number of peer datagrams buffered before the
// local media engine's port is learned; excess datagrams are dropped.
const UDPRelayBufferCap = 100
