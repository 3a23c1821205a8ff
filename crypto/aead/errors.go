package aead

import "errors"

var (
	ErrAuth       = errors.New("authentication failed")
	ErrReplayed   = errors.New("iv outside replay window or already seen")
	ErrIVExhausted = errors.New("iv counter exhausted")
)
