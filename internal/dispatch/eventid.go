package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sub-job prefixes for the event ids derived from one dispatch key.
const (
	PrefixProcess     = "process"
	PrefixMaintenance = "maintenance"
	PrefixSync        = "sync"
)

// EventIDs are the ids published for the background-jobs route.
type EventIDs struct {
	Process     string
	Maintenance string
}

// Digest is the first 24 hex chars of sha256(dispatchKey).
func Digest(dispatchKey string) string {
	sum := sha256.Sum256([]byte(dispatchKey))
	return hex.EncodeToString(sum[:])[:24]
}

// EventID namespaces the dispatch-key digest with a sub-job prefix.
func EventID(prefix, dispatchKey string) string {
	return prefix + ":" + Digest(dispatchKey)
}

// BuildEventIDs derives the sibling ids for one dispatch key. Same key, same ids.
func BuildEventIDs(dispatchKey string) EventIDs {
	digest := Digest(dispatchKey)
	return EventIDs{
		Process:     PrefixProcess + ":" + digest,
		Maintenance: PrefixMaintenance + ":" + digest,
	}
}
