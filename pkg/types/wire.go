package types

import "time"

// InstanceFilter selects instances for log requests and status queries.
// Nil fields match everything.
type InstanceFilter struct {
	ServiceID *string
	SubjectID *string
	Instance  *int64
}

// noInstanceFilter is the wire encoding of an absent instance filter field.
const noInstanceFilter int64 = -1

// InstanceFromWire converts the wire instance number to the domain
// representation, where -1 means "no filter".
func InstanceFromWire(instance int64) *int64 {
	if instance == noInstanceFilter {
		return nil
	}

	return &instance
}

// InstanceToWire converts the domain instance filter back to the wire form.
func InstanceToWire(instance *int64) int64 {
	if instance == nil {
		return noInstanceFilter
	}

	return *instance
}

// TimeFromWire converts wire seconds to a timestamp; zero seconds means the
// value is absent.
func TimeFromWire(seconds int64) *time.Time {
	if seconds == 0 {
		return nil
	}

	t := time.Unix(seconds, 0)

	return &t
}

// TimeToWire converts an optional timestamp to wire seconds.
func TimeToWire(t *time.Time) int64 {
	if t == nil {
		return 0
	}

	return t.Unix()
}
