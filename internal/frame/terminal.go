package frame

import "encoding/json"

// Terminal is the JSON payload of the last frame emitted for a quid: the
// close status of the peer or loopback socket that ended the data-channel
// session. It always travels with Binary set to false.
type Terminal struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// TerminalFrame builds the terminal datachannel frame for a quid.
func TerminalFrame(quid string, code int, message string) *Frame {
	payload, _ := json.Marshal(Terminal{Code: code, Message: message})
	return &Frame{Type: TypeDataChannel, Quid: quid, Binary: false, Payload: payload}
}

// ParseTerminal decodes a terminal payload.
func ParseTerminal(payload []byte) (Terminal, error) {
	var t Terminal
	err := json.Unmarshal(payload, &t)
	return t, err
}
