package tagstate

import "errors"

var (
	// ErrStaleLoad is returned by a load superseded by a newer load or a project switch
	ErrStaleLoad = errors.New("stale load discarded")
	// ErrCorruptionOutstanding is returned when auto-save is suspended by quarantined records
	ErrCorruptionOutstanding = errors.New("auto-save suspended: quarantined records outstanding")
	// ErrQuarantineNotFound is returned for an id that is not in quarantine
	ErrQuarantineNotFound = errors.New("quarantined record not found")
	// ErrTagNotFound is returned for an id that is not in the working set
	ErrTagNotFound = errors.New("tag not found in working set")
	// ErrSessionChanged is returned when the project switched while a mutation was in flight
	ErrSessionChanged = errors.New("project switched during mutation")
)
