package server

// MessageType names a websocket message.
type MessageType string

const (
	// Client to server
	MessageTypeSubscribe MessageType = "subscribe"
	MessageTypeGetState  MessageType = "get_state"
	MessageTypeEnter     MessageType = "enter"

	// Server to client
	MessageTypeEntered         MessageType = "entered"
	MessageTypeWinnerRequested MessageType = "winner_requested"
	MessageTypeWinnerPicked    MessageType = "winner_picked"
	MessageTypeRequestReissued MessageType = "request_reissued"
	MessageTypeRaffleState     MessageType = "raffle_state"
	MessageTypeEntryAccepted   MessageType = "entry_accepted"
	MessageTypeError           MessageType = "error"
)

func (mt MessageType) String() string {
	return string(mt)
}
