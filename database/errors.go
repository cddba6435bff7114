package database

import "errors"

var (
	// ErrPoolTimeout is returned when no connection became available within the acquire timeout.
	ErrPoolTimeout = errors.New("timed out waiting for a database connection")
	// ErrPoolClosed is returned by Acquire once CloseAll has begun.
	ErrPoolClosed = errors.New("database pool is closed")
	// ErrDrainTimeout is returned by CloseAll when checked-out connections were not released in time.
	ErrDrainTimeout = errors.New("timed out draining database pool")
)
