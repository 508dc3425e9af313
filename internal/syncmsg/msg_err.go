package syncmsg

// Error is sent by the server right before it terminates a subscription.
type Error struct {
	Code    int    `json:"cod"`
	Message string `json:"msg"`
}

func NewError(code int, msg string) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgError,
		Data: &Error{
			Code:    code,
			Message: msg,
		},
	}
}
