package hub

// textMessage is every JSON message a participant may send as a text frame.
type textMessage struct {
	Type string `json:"type"`
	X    *int   `json:"x,omitempty"`
	Y    *int   `json:"y,omitempty"`
	Data string `json:"data,omitempty"`
}

type ConnectedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type AckMessage struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// CursorMessage is the text form of a cursor position.
type CursorMessage struct {
	Type string `json:"type"`
	X    int    `json:"x"`
	Y    int    `json:"y"`
}
