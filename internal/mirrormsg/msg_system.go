package mirrormsg

type System struct {
	SystemVersion string `json:"ver" msgpack:"ver"`
	SessionId     string `json:"sid" msgpack:"sid"`
	Message       string `json:"msg" msgpack:"msg"`
}

func NewSystemMessage(version, sessionId, msg string) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgSystem,
		Data: &System{
			SystemVersion: version,
			SessionId:     sessionId,
			Message:       msg,
		},
	}
}

type Error struct {
	Code    int    `json:"cod" msgpack:"cod"`
	Message string `json:"msg" msgpack:"msg"`
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
