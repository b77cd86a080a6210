// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors shared by every protocol layer. Wrap them with context and
// match with errors.Is.
var (
	// Wire codec errors
	ErrBufferTooShort   = errors.New("netcore: buffer too short")
	ErrUnrecognizedType = errors.New("netcore: unrecognized message type")
	ErrUnrecognizedCode = errors.New("netcore: unrecognized message code")
	ErrChecksumMismatch = errors.New("netcore: checksum mismatch")
	ErrLengthMismatch   = errors.New("netcore: length mismatch")
	ErrUnsupportedProto = errors.New("netcore: unsupported protocol")

	// Serialization errors
	ErrMTUExceeded = errors.New("netcore: frame exceeds device MTU")

	// Device layer errors
	ErrDeviceNotFound  = errors.New("netcore: device not found")
	ErrNoAddress       = errors.New("netcore: device has no address for family")
	ErrNeighborUnknown = errors.New("netcore: next hop cannot be resolved")

	// Configuration errors
	ErrConfigInvalid = errors.New("netcore: invalid configuration")
)
