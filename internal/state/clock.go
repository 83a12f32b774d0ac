package state

import "time"

// now is swapped in tests.
var now = func() time.Time { return time.Now().UTC() }
