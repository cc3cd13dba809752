package arena

import (
	"ghostsync.ai/internal/netcode/tick"
	"ghostsync.ai/internal/protocol"
)

// Input is one tick of ship controls.
type Input struct {
	ThrustX int8
	ThrustY int8
	Shield  bool
}

const inputSize = 3

// Bytes is the form kept in the client input buffer; equal inputs give equal
// bytes so tick batching can compare them directly.
func (in Input) Bytes() []byte {
	b := make([]byte, inputSize)
	b[0] = byte(in.ThrustX)
	b[1] = byte(in.ThrustY)
	if in.Shield {
		b[2] = 1
	}
	return b
}

// ParseInput reverses Bytes. Short input decodes as no input.
func ParseInput(b []byte) Input {
	if len(b) < inputSize {
		return Input{}
	}
	return Input{ThrustX: int8(b[0]), ThrustY: int8(b[1]), Shield: b[2] != 0}
}

func InputFromMsg(m protocol.InputMsg) Input {
	return Input{ThrustX: m.ThrustX, ThrustY: m.ThrustY, Shield: m.Shield}
}

func (in Input) Msg(t tick.Tick) protocol.InputMsg {
	return protocol.InputMsg{
		Type:            protocol.TypeInput,
		ProtocolVersion: protocol.Version,
		Tick:            uint32(t),
		ThrustX:         in.ThrustX,
		ThrustY:         in.ThrustY,
		Shield:          in.Shield,
	}
}
