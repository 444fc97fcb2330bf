package event

import (
	"fmt"
	"net/netip"
)

type EventType int

const (
	EVENT_TYPE_RECEIVE EventType = iota
	EVENT_TYPE_SEND_FAILED
	EVENT_TYPE_LAST
)

func (et EventType) String() string {
	switch et {
	case EVENT_TYPE_RECEIVE:
		return "EVENT_TYPE_RECEIVE"
	case EVENT_TYPE_SEND_FAILED:
		return "EVENT_TYPE_SEND_FAILED"
	default:
		return fmt.Sprintf("UNKNOWN: %d", et)
	}
}

// Event is one completion surfaced by a socket. Payload aliases the socket's
// receive slot and is only valid until the handler returns.
type Event struct {
	EventType EventType
	Source    netip.AddrPort
	Payload   []byte
	Err       error
}
