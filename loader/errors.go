package loader

import "errors"

var (
	// ErrInvalidParameters is returned when a Source carries neither a URL
	// nor a buffer.
	ErrInvalidParameters = errors.New("can't instantiate module, invalid parameters")

	ErrModuleTooLarge      = errors.New("module exceeds max size")
	ErrFunctionNotExported = errors.New("function not exported")
)

// TransportError reports a failed download. The message is the transport's
// own message, unchanged.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string { return e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// DecodingError reports bytes the engine could not compile. The message is
// the engine's diagnostic, unchanged.
type DecodingError struct {
	Err error
}

func (e *DecodingError) Error() string { return e.Err.Error() }
func (e *DecodingError) Unwrap() error { return e.Err }

// InstantiationError reports a compiled module that could not be linked
// against the import environment.
type InstantiationError struct {
	Err error
}

func (e *InstantiationError) Error() string { return e.Err.Error() }
func (e *InstantiationError) Unwrap() error { return e.Err }

// classify keeps errors that already belong to the taxonomy and files
// anything else under fallback.
func classify(err error, fallback func(error) error) error {
	var (
		te *TransportError
		de *DecodingError
		ie *InstantiationError
	)
	switch {
	case errors.As(err, &te), errors.As(err, &de), errors.As(err, &ie):
		return err
	case errors.Is(err, ErrInvalidParameters):
		return err
	}
	return fallback(err)
}
