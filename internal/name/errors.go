package name

import "errors"

var (
	ErrEmptyPrefix = errors.New("name prefix is empty")
	ErrBadScheme   = errors.New("unsupported URI scheme")
	ErrBadURI      = errors.New("malformed name URI")
)
