package transport

import "errors"

var (
	ErrFragmentTooLarge = errors.New("message exceeds maximum fragmentable size")
	ErrStreamClosed     = errors.New("stream is closed")
	ErrQueueFull        = errors.New("send queue saturated")
)
