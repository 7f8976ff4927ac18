package domain

import "errors"

var ErrInvalidBatch = errors.New("invalid batch")
var ErrNotFound = errors.New("session not found")
var ErrPersistence = errors.New("persistence failure")
