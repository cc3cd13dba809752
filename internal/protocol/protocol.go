// Package protocol defines the JSON control messages exchanged next to the
// binary snapshot stream. Control messages travel as websocket text frames;
// snapshot packets travel as binary frames.
package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeAck     = "ACK"
	TypeInput   = "INPUT"
	TypeError   = "ERROR"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// SelectVersion returns the newest version both sides speak, or "" if none.
func SelectVersion(offered []string) string {
	for _, v := range offered {
		if v == Version {
			return v
		}
	}
	return ""
}
