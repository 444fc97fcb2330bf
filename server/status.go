package server

type SrvStatus int32

const (
	Idle SrvStatus = iota
	Running
	Draining
	Stopped
)

var stateName = map[SrvStatus]string{
	Idle:     "idle",
	Running:  "running",
	Draining: "draining",
	Stopped:  "stopped",
}

func (s SrvStatus) String() string {
	return stateName[s]
}

type Mode int

const (
	ModeMulticast Mode = iota
	ModeSender
)

func (m Mode) String() string {
	switch m {
	case ModeMulticast:
		return "multicast"
	case ModeSender:
		return "sender"
	default:
		return "unknown"
	}
}
