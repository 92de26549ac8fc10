package tcl

import "errors"

var (
	// ErrOpenFailure is returned by Checkout when the driver could not produce a connection.
	// you can check for this error with errors.Is
	ErrOpenFailure = errors.New("unable to open connection")

	// ErrDoubleCheckin is returned when a connection that is already available is checked in again.
	ErrDoubleCheckin = errors.New("connection already checked in")

	// ErrUnknownConnection is returned when a connection was not handed out by this pool.
	ErrUnknownConnection = errors.New("connection does not belong to this pool")

	// ErrConnectionClosed is returned when a connection was closed by the pool while checked out.
	ErrConnectionClosed = errors.New("connection is already closed")

	// ErrConnectionPoolClosed is returned when a connection pool Close has been triggered.
	ErrConnectionPoolClosed = errors.New("connection pool closed")

	// ErrInvalidObserver is returned by AddObserver for nil or non comparable observers.
	ErrInvalidObserver = errors.New("observer must be a non nil comparable value")

	// ErrInvalidConfig is returned when a PoolConfig fails validation.
	ErrInvalidConfig = errors.New("invalid pool config")
)
