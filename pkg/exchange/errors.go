package exchange

import "errors"

var (
	// ErrInvalidRequest is returned for malformed volume, price or enum
	// values. The request never touches the book.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotOwner is returned when the requesting user/account does not
	// own the referenced order or account.
	ErrNotOwner = errors.New("not order owner")

	// ErrInstrumentNotTradable is returned for orders on paused or
	// settled instruments.
	ErrInstrumentNotTradable = errors.New("instrument not tradable")
)
