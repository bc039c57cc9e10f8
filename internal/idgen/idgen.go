// Package idgen generates short, unpredictable request identifiers for
// pending benchmarks and map-reduces. Grounded on the teacher's
// internal/middleware/middleware.go generateRequestID (crypto/rand bytes
// plus a nanosecond timestamp, hex-encoded).
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns a prefixed, collision-resistant identifier such as
// "bench_1690000000000000000_a1b2c3d4e5f6a7b8".
func New(prefix string) string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
