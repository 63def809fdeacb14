package quotagate

import "time"

// Clock supplies the current time. It is injectable so reset and expiry
// behaviour can be tested deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
