package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type              string            `json:"type"`
	ProtocolVersion   string            `json:"protocol_version"`
	SupportedVersions []string          `json:"supported_versions,omitempty"`
	ClientName        string            `json:"client_name"`
	Capabilities      HelloCapabilities `json:"capabilities"`
	// Prefabs lists the ghost types the client has loaded.
	Prefabs []PrefabRef `json:"prefabs,omitempty"`
}

type HelloCapabilities struct {
	// SizeHeaders asks the server to prefix every entity with its encoded
	// bit length.
	SizeHeaders bool `json:"size_headers,omitempty"`
	Prediction  bool `json:"prediction,omitempty"`
}

type PrefabRef struct {
	Name string `json:"name"`
	// GUID is the type's 128-bit identity as four 32-bit words.
	GUID [4]uint32 `json:"guid"`
	Hash string    `json:"hash"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	SelectedVersion string        `json:"selected_version,omitempty"`
	SessionID       string        `json:"session_id"`
	ServerTick      uint32        `json:"server_tick"`
	Session         SessionParams `json:"session"`
	// OwnedGhost is the ghost id the client's input drives, 0 when none.
	OwnedGhost uint32 `json:"owned_ghost,omitempty"`
}

// SessionParams are the negotiated stream settings both ends must agree on.
type SessionParams struct {
	TickRateHz         int  `json:"tick_rate_hz"`
	HistoryDepth       int  `json:"history_depth"`
	SizeHeaders        bool `json:"size_headers"`
	MaxGhostsPerPacket int  `json:"max_ghosts_per_packet,omitempty"`
	// StaticGhosts is the number of prespawned ghosts whose baselines the
	// client derives locally.
	StaticGhosts int `json:"static_ghosts,omitempty"`
}

// ACK (client -> server): the newest received snapshot tick plus a mask of
// the 32 ticks before it. Reset asks the server to drop every baseline.
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint32 `json:"tick"`
	Mask            uint32 `json:"mask"`
	Reset           bool   `json:"reset,omitempty"`
}

// INPUT (client -> server): the control state for one tick.
type InputMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint32 `json:"tick"`
	ThrustX         int8   `json:"thrust_x"`
	ThrustY         int8   `json:"thrust_y"`
	Shield          bool   `json:"shield,omitempty"`
}

// ERROR (server -> client), sent before the server closes the session.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}
