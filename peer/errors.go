package peer

import "errors"

var (
	ErrClosed         = errors.New("peer closed")
	ErrNotStarted     = errors.New("peer not started")
	ErrAlreadyStarted = errors.New("peer already started")
	ErrEmptyEvent     = errors.New("event name is required")
	ErrMissingTarget  = errors.New("target peer id is required")
	ErrNotProxy       = errors.New("peer is not in proxy mode")

	errMissingID = errors.New("payload carries no id")
)
