package syncmsg

import "fmt"

type MessageType uint16

const (
	MsgSystem MessageType = iota
	MsgError
	MsgChanges
)

func (t MessageType) String() string {
	switch t {
	case MsgSystem:
		return "SYSTEM"
	case MsgError:
		return "ERROR"
	case MsgChanges:
		return "CHANGES"
	default:
		return fmt.Sprintf("???(%d)", t)
	}
}
