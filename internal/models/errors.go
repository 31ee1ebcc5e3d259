package models

import "errors"

// ErrNotFound is returned when a lookup matches no stored record.
var ErrNotFound = errors.New("not found")
