package alarms

import "errors"

// ErrNotFound indicates a missing rule or alarm record.
var ErrNotFound = errors.New("alarm: not found")
