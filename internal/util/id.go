package util

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NowMillis returns the current time as unix milliseconds, the timestamp
// representation used throughout room state.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
