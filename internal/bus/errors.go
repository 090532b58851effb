package bus

import "errors"

var (
	// ErrConnectionInit is returned when the broker connection cannot be
	// established within the retry bound. Callers treat it as fatal.
	ErrConnectionInit = errors.New("could not initialize broker connection")
	// ErrSend is returned when a message could not be sent within the retry bound.
	ErrSend = errors.New("send failed")
	// ErrListenerRegistration is returned when a listener could not be added
	// or removed within the retry bound.
	ErrListenerRegistration = errors.New("listener registration failed")
	// ErrReconnect is returned when a reconnect gave up; the manager is left cleaned up.
	ErrReconnect = errors.New("reconnect to broker failed")
	// ErrNotConnected is returned by operations attempted without a session.
	ErrNotConnected = errors.New("not connected")
	// ErrArgumentInvalid marks a violated call contract.
	ErrArgumentInvalid = errors.New("invalid argument")
)
