package logging

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// connIDCounter is used for generating sequential connection IDs.
var connIDCounter uint64

// GenerateConnID generates a unique connection ID of the form
// "<hex seconds>-<counter>-<random>". The random suffix keeps IDs unique
// across restarts within the same second.
func GenerateConnID() string {
	ts := time.Now().Unix()
	counter := atomic.AddUint64(&connIDCounter, 1)

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return fmt.Sprintf("%08x-%04x-0000", uint32(ts), uint16(counter))
	}
	return fmt.Sprintf("%08x-%04x-%s", uint32(ts), uint16(counter), hex.EncodeToString(suffix))
}
