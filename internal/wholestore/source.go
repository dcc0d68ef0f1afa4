package wholestore

import (
	"time"
)

// LatestClient picks the client whose whole store is authoritative: the one
// with the newest upload. Equal timestamps go to the lexicographically
// smallest client id so every run over the same record agrees.
// ok is false for an empty record.
func LatestClient(timestamps map[string]time.Time) (client string, ok bool) {
	var latest time.Time
	for id, at := range timestamps {
		switch {
		case !ok, at.After(latest):
		case at.Equal(latest) && id < client:
		default:
			continue
		}
		client, latest, ok = id, at, true
	}
	return client, ok
}
