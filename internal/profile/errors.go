package profile

import (
	"errors"
	"fmt"
)

// ErrProfileInUse is returned when deleting a profile that devices still
// reference.
var ErrProfileInUse = errors.New("profile is referenced by at least one device")

// FetchError reports a transport-level failure reaching a profile URL.
// Resolution does not retry; the scheduled refresh sweep will.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch profile %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports a malformed profile document. The previously cached row,
// if any, is left untouched.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse profile %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StorageError reports a persistence failure. Fatal to the current operation,
// never to the process.
type StorageError struct {
	Op  string
	URL string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("profile storage %s failed for %s: %v", e.Op, e.URL, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
