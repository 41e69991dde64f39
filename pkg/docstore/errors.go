package docstore

import "errors"

var (
	ErrNotFound         = errors.New("document not found")
	ErrConflict         = errors.New("document conflict")
	ErrEmptyTransaction = errors.New("transaction has no mutations")
	ErrInvalidMutation  = errors.New("invalid mutation")
	ErrInvalidQuery     = errors.New("invalid query")
)
