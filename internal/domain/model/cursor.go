package model

// SyncCursor marks the last remote sequence that was durably applied for a
// device. Only the reconciler moves it forward.
type SyncCursor struct {
	DeviceID     string
	Seq          int64
	TimestampUTC int64
	UpdatedAtUTC int64
}

// Advance returns the cursor moved to r when r is newer.
func (c SyncCursor) Advance(r Reading) SyncCursor {
	if r.Seq > c.Seq {
		c.Seq = r.Seq
	}
	if r.TimestampUTC > c.TimestampUTC {
		c.TimestampUTC = r.TimestampUTC
	}
	return c
}
