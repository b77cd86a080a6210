package core

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	t.Run("ErrorMessages", func(t *testing.T) {
		tests := []struct {
			err     error
			message string
		}{
			{ErrBufferTooShort, "netcore: buffer too short"},
			{ErrUnrecognizedType, "netcore: unrecognized message type"},
			{ErrUnrecognizedCode, "netcore: unrecognized message code"},
			{ErrChecksumMismatch, "netcore: checksum mismatch"},
			{ErrLengthMismatch, "netcore: length mismatch"},
			{ErrMTUExceeded, "netcore: frame exceeds device MTU"},
			{ErrDeviceNotFound, "netcore: device not found"},
		}

		for _, tt := range tests {
			if tt.err.Error() != tt.message {
				t.Errorf("expected error message %q, got %q", tt.message, tt.err.Error())
			}
		}
	})

	t.Run("ErrorWrapping", func(t *testing.T) {
		wrapped := fmt.Errorf("icmpv6 echo request: %w", ErrChecksumMismatch)
		if !errors.Is(wrapped, ErrChecksumMismatch) {
			t.Error("errors.Is failed for wrapped error")
		}
		if errors.Is(wrapped, ErrBufferTooShort) {
			t.Error("errors.Is matched an unrelated sentinel")
		}
	})
}

func TestVersionOf(t *testing.T) {
	tests := []struct {
		addr string
		want IPVersion
	}{
		{"192.168.1.1", IPv4},
		{"224.0.0.1", IPv4},
		{"fe80::1", IPv6},
		{"::ffff:10.0.0.1", IPv6},
	}
	for _, tt := range tests {
		if got := VersionOf(netip.MustParseAddr(tt.addr)); got != tt.want {
			t.Errorf("VersionOf(%s) = %v, want %v", tt.addr, got, tt.want)
		}
	}
	if got := VersionOf(netip.Addr{}); got != 0 {
		t.Errorf("VersionOf(invalid) = %v, want 0", got)
	}
}

func TestStringers(t *testing.T) {
	if IPv6.String() != "IPv6" {
		t.Errorf("unexpected IPv6 string %q", IPv6.String())
	}
	if ProtoICMPv6.String() != "ICMPv6" {
		t.Errorf("unexpected ICMPv6 string %q", ProtoICMPv6.String())
	}
	if IPProto(200).String() != "IPProto(200)" {
		t.Errorf("unexpected unknown proto string %q", IPProto(200).String())
	}
}
