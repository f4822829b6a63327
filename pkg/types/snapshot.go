package types

import "encoding/json"

// Snapshot is the portable backup artifact: a timestamp, a checksum over the
// canonical JSON of Data, and every tracked collection as an ordered record
// array. The same shape is written to disk, so it must survive a JSON
// round-trip with the checksum still verifying.
type Snapshot struct {
	Timestamp string                       `json:"timestamp"`
	Checksum  string                       `json:"checksum"`
	Data      map[string][]json.RawMessage `json:"data"`
}
