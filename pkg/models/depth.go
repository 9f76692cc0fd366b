package models

import "time"

// DiffMessage is one incremental depth update covering update ids [FirstUpdateID, FinalUpdateID].
type DiffMessage struct {
	Symbol            string
	EventTime         time.Time
	FirstUpdateID     int64 // U
	FinalUpdateID     int64 // u
	PrevFinalUpdateID int64 // pu
	Bids              []Level
	Asks              []Level
}

// Covers reports whether id falls within [U, u].
func (d DiffMessage) Covers(id int64) bool {
	return d.FirstUpdateID <= id && id <= d.FinalUpdateID
}

// Snapshot is a point-in-time book tagged with a single sequence id.
type Snapshot struct {
	LastUpdateID int64
	Bids         []Level
	Asks         []Level
}
