package sign

import "errors"

var (
	ErrSigning = errors.New("signing failed")
	ErrVerify  = errors.New("verification failed")
	ErrKey     = errors.New("invalid signing key")
)
