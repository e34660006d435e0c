package lifecycle

import (
	"encoding/json"
	"time"

	"github.com/MrWong99/parley/pkg/realtime"
)

// LogEntry is one line of the protocol event log shown next to the
// conversation. Consecutive events of the same type collapse into one entry
// whose Count tells how many were seen.
type LogEntry struct {
	Time    time.Time       `json:"time"`
	Source  realtime.Source `json:"source"`
	Type    string          `json:"type"`
	Count   int             `json:"count"`
	Payload json.RawMessage `json:"event,omitempty"`
}

// FoldEvent returns log with ev appended. If the last entry has the same
// type, a copy of it with an incremented count replaces it instead. log is
// never modified.
func FoldEvent(log []LogEntry, ev realtime.Event) []LogEntry {
	out := make([]LogEntry, len(log), len(log)+1)
	copy(out, log)
	if n := len(out); n > 0 && out[n-1].Type == ev.Type {
		out[n-1].Count++
		return out
	}
	return append(out, LogEntry{
		Time:    ev.Time,
		Source:  ev.Source,
		Type:    ev.Type,
		Count:   1,
		Payload: ev.Payload,
	})
}

// FoldEvents folds evs into an empty log.
func FoldEvents(evs []realtime.Event) []LogEntry {
	var log []LogEntry
	for _, ev := range evs {
		log = FoldEvent(log, ev)
	}
	return log
}
