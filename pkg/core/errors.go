package core

import (
	"errors"
)

var (
	ErrNotFound      = errors.New("chunknet: not found")
	ErrInvalidInput  = errors.New("chunknet: invalid input")
	ErrCorrupt       = errors.New("chunknet: corrupt data")
	ErrTooLarge      = errors.New("chunknet: too large")
	ErrClosed        = errors.New("chunknet: closed")
	ErrNoNodes       = errors.New("chunknet: no nodes online")
	ErrNotRegistered = errors.New("chunknet: node not registered")
	ErrUnhealable    = errors.New("chunknet: all replicas lost")
)
