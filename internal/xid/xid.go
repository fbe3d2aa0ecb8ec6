package xid

import (
	"strings"

	"github.com/google/uuid"
)

func New(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// Short returns the first n hex characters of a random uuid, upper-cased.
func Short(n int) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n <= 0 || n > len(raw) {
		n = len(raw)
	}
	return strings.ToUpper(raw[:n])
}
