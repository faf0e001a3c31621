package store

import "errors"

var (
	ErrNotFound          = errors.New("entity not found")
	ErrQueueItemNotFound = errors.New("queue item not found")
	ErrDuplicateID       = errors.New("entity id already exists")
)
