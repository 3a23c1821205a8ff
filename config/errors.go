package config

import "errors"

var (
	ErrMissingFile    = errors.New("settings file not found")
	ErrInvalidValue   = errors.New("invalid value for setting")
	ErrUnknownSetting = errors.New("unrecognized setting")
)
