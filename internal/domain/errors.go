package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrNoUniverse    = errors.New("no target market in snapshot universe")
	ErrDecodeFailed  = errors.New("snapshot decode failed")
	ErrQueryFailed   = errors.New("live query failed")
	ErrStorageFailed = errors.New("storage write failed")
	ErrConsistency   = errors.New("consistency invariant violated")
	ErrLockHeld      = errors.New("lock already held")
)
