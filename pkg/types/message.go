package types

import "time"

// ConfigMessage is a replicated config message as retrieved from a
// group's swarm, ready to be merged into the local config store.
// Messages are content addressed: Hash is derived from Data, so
// duplicate delivery is detectable and merges stay idempotent.
type ConfigMessage struct {
	Hash      string
	Data      []byte
	Timestamp time.Time
}
