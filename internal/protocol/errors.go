package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"
	ErrProtoViolation  = "E_PROTO_VIOLATION"
	ErrMissingPrefab   = "E_MISSING_PREFAB"
	ErrPrefabMismatch  = "E_PREFAB_MISMATCH"

	// Session state.
	ErrServerFull = "E_SERVER_FULL"
	ErrStale      = "E_STALE"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrProtoViolation:  {},
	ErrMissingPrefab:   {},
	ErrPrefabMismatch:  {},
	ErrServerFull:      {},
	ErrStale:           {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
