package canvas

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Logging convention in the `canvas` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - connection teardown on error or inactivity
//     - rejected saves and rate limit trips
// Error:
//     unrecoverable crash details
// Debug (V(2)):
//     key events for trace debugging
//     this includes:
//     - per-message send/receive/broadcast events with ids that can be used to filter

// id of the primary canvas when a client does not name one
const DefaultCanvasId = "default"

// comparable. generated ids are ulids, rendered in uuid form so element ids
// sort by creation time inside a document.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}

// timestamps are unix milliseconds everywhere in the canvas model
type Millis = int64

func NowMillis() Millis {
	return time.Now().UnixMilli()
}
