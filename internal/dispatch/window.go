// Package dispatch derives the deterministic keys that let repeated cron
// triggers inside one time bucket collapse onto a single logical dispatch.
package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	MinWindowSeconds     = 15
	MaxWindowSeconds     = 3600
	DefaultWindowSeconds = 60

	// ISOMillis renders UTC instants the way dispatch keys and payloads carry them.
	ISOMillis = "2006-01-02T15:04:05.000Z"

	keyVersion = "v1"
)

// Window is one fixed-duration dispatch bucket.
type Window struct {
	Start       time.Time
	Seconds     int
	DispatchKey string
}

// StartISO is the window start in the dispatch-key format.
func (w Window) StartISO() string {
	return w.Start.UTC().Format(ISOMillis)
}

// ClampWindowSeconds bounds a window length to [MinWindowSeconds, MaxWindowSeconds].
func ClampWindowSeconds(seconds int) int {
	if seconds < MinWindowSeconds {
		return MinWindowSeconds
	}
	if seconds > MaxWindowSeconds {
		return MaxWindowSeconds
	}
	return seconds
}

// GetWindowSeconds parses a raw env value, defaulting to 60 and clamping the result.
func GetWindowSeconds(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		n = DefaultWindowSeconds
	}
	return ClampWindowSeconds(n)
}

// ComputeWindow floors requestedAt into its window and derives the dispatch key
// "{namespace}:v1:{seconds}:{windowStartISO}[:{paramsHash}]".
func ComputeWindow(namespace string, requestedAt time.Time, windowSeconds int, params map[string]string) Window {
	seconds := ClampWindowSeconds(windowSeconds)
	size := int64(seconds) * 1000
	ms := requestedAt.UnixMilli()
	floored := (ms / size) * size
	if ms < 0 && ms%size != 0 {
		floored -= size
	}
	start := time.UnixMilli(floored).UTC()

	key := fmt.Sprintf("%s:%s:%d:%s", namespace, keyVersion, seconds, start.Format(ISOMillis))
	if len(params) > 0 {
		key += ":" + ParamsHash(params)
	}
	return Window{Start: start, Seconds: seconds, DispatchKey: key}
}

// ParamsHash is the first 16 hex chars of sha256 over the key-sorted JSON of params.
func ParamsHash(params map[string]string) string {
	// encoding/json writes map keys in sorted order.
	b, _ := json.Marshal(params)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}
