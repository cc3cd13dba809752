package arena

import (
	"fmt"
	"strconv"

	"ghostsync.ai/internal/ghost/schema"
	"ghostsync.ai/internal/protocol"
)

func hashString(h uint64) string { return fmt.Sprintf("%016x", h) }

// PrefabRefs lists the loaded ghost types as announced in HELLO.
func PrefabRefs(reg *schema.Registry) []protocol.PrefabRef {
	types := reg.Types()
	out := make([]protocol.PrefabRef, 0, len(types))
	for _, t := range types {
		out = append(out, protocol.PrefabRef{Name: t.Name, GUID: t.GUID(), Hash: hashString(t.Hash())})
	}
	return out
}

// CheckPrefabs compares the client's announced types against the server
// registry. It returns nil when every server type is loaded with the same
// field hash; an empty list is accepted as "not announced".
func CheckPrefabs(reg *schema.Registry, refs []protocol.PrefabRef) *protocol.ErrorMsg {
	if len(refs) == 0 {
		return nil
	}
	byGUID := make(map[[4]uint32]protocol.PrefabRef, len(refs))
	for _, r := range refs {
		byGUID[r.GUID] = r
	}
	for _, t := range reg.Types() {
		r, ok := byGUID[t.GUID()]
		if !ok {
			return errorMsg(protocol.ErrMissingPrefab, "client does not load ghost type "+strconv.Quote(t.Name))
		}
		if r.Hash != hashString(t.Hash()) {
			return errorMsg(protocol.ErrPrefabMismatch, fmt.Sprintf("ghost type %q hash %s, server has %s", t.Name, r.Hash, hashString(t.Hash())))
		}
	}
	return nil
}

func errorMsg(code, msg string) *protocol.ErrorMsg {
	return &protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         msg,
	}
}
