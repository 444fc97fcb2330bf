package peer

// 参考: https://go.googlesource.com/go/%2B/master/src/net/http/server.go#3267
type ConnState int32

const (
	StateNew    ConnState = iota
	StateActive           // has data transfer
	StateClosed
)

var stateName = map[ConnState]string{
	StateNew:    "new",
	StateActive: "active",
	StateClosed: "closed",
}

func (s ConnState) String() string {
	return stateName[s]
}

type Role int32

const (
	RoleListener Role = iota
	RoleOutgoing
)

var roleName = map[Role]string{
	RoleListener: "listener",
	RoleOutgoing: "outgoing",
}

func (r Role) String() string {
	return roleName[r]
}
