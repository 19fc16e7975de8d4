package protocol

import "errors"

var (
	ErrShortHeader        = errors.New("protocol: short message header")
	ErrFrameBounds        = errors.New("protocol: frame exceeds declared message size")
	ErrTruncated          = errors.New("protocol: truncated payload")
	ErrStringTooLong      = errors.New("protocol: string longer than 65535 bytes")
	ErrInvalidTable       = errors.New("protocol: invalid table dimensions")
	ErrUnsupportedMessage = errors.New("protocol: unsupported message")
	ErrTrailingBytes      = errors.New("protocol: trailing bytes after payload")
)
