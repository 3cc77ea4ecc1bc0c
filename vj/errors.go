package vj

import (
	"errors"
	"fmt"

	"vj-decoder/types"
)

var (
	ErrTruncated                  = errors.New("vj: truncated input")
	ErrUnsupportedIPVersion       = errors.New("vj: unsupported IP version")
	ErrBadHeaderLength            = errors.New("vj: bad header length")
	ErrNoConnectionContext        = errors.New("vj: no connection number seen yet")
	ErrNoConnectionState          = errors.New("vj: connection state discarded")
	ErrNoTemplateYet              = errors.New("vj: no template header for connection")
	ErrNoSnapshotForPreviousFrame = errors.New("vj: no snapshot for previous frame")
	ErrUnknownPacketKind          = errors.New("vj: unknown packet kind")
)

// ErrorKind classifies a decoding failure for annotation.
type ErrorKind uint8

const (
	KindTruncated ErrorKind = iota + 1
	KindUnsupportedIPVersion
	KindBadHeaderLength
	KindNoConnectionContext
	KindNoConnectionState
	KindNoTemplateYet
	KindNoSnapshotForPreviousFrame
	KindUnknownPacketKind
)

var kindSentinels = map[ErrorKind]error{
	KindTruncated:                  ErrTruncated,
	KindUnsupportedIPVersion:       ErrUnsupportedIPVersion,
	KindBadHeaderLength:            ErrBadHeaderLength,
	KindNoConnectionContext:        ErrNoConnectionContext,
	KindNoConnectionState:          ErrNoConnectionState,
	KindNoTemplateYet:              ErrNoTemplateYet,
	KindNoSnapshotForPreviousFrame: ErrNoSnapshotForPreviousFrame,
	KindUnknownPacketKind:          ErrUnknownPacketKind,
}

func (k ErrorKind) String() string {
	switch k {
	case KindTruncated:
		return "truncated"
	case KindUnsupportedIPVersion:
		return "unsupported_ip_version"
	case KindBadHeaderLength:
		return "bad_header_length"
	case KindNoConnectionContext:
		return "no_connection_context"
	case KindNoConnectionState:
		return "no_connection_state"
	case KindNoTemplateYet:
		return "no_template_yet"
	case KindNoSnapshotForPreviousFrame:
		return "no_snapshot_for_previous_frame"
	case KindUnknownPacketKind:
		return "unknown_packet_kind"
	default:
		return "unknown"
	}
}

// Annotation is the text attached to the offending packet.
func (k ErrorKind) Annotation() string {
	switch k {
	case KindTruncated:
		return "Packet too short to hold the VJ header it announces"
	case KindUnsupportedIPVersion:
		return "VJ uncompressed packet is not IPv4"
	case KindBadHeaderLength:
		return "IP or TCP header length field is below the minimum"
	case KindNoConnectionContext:
		return "No connection number seen yet on this direction; cannot decompress"
	case KindNoConnectionState:
		return "Connection state discarded after an undecodable packet; waiting for a refresh"
	case KindNoTemplateYet:
		return "Connection has no template header yet; cannot decompress"
	case KindNoSnapshotForPreviousFrame:
		return "Internal error: decoded values for the previous frame are missing"
	case KindUnknownPacketKind:
		return "Frame is not a VJ compressed or uncompressed packet"
	default:
		return "Unknown VJ decoding error"
	}
}

// Recoverable reports whether the session can keep decoding normally after
// an error of this kind. Only the internal consistency fault is not.
func (k ErrorKind) Recoverable() bool {
	return k != KindNoSnapshotForPreviousFrame
}

// DecodeError carries a failure together with the frame it belongs to.
type DecodeError struct {
	Kind  ErrorKind
	Frame types.FrameID
	Conn  *uint8
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Conn != nil {
		return fmt.Sprintf("frame %d conn %d: %v", e.Frame, *e.Conn, e.Err)
	}
	return fmt.Sprintf("frame %d: %v", e.Frame, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// decodeError wraps err (which must wrap one of the sentinels) with frame
// context. A nil err returns nil.
func decodeError(frame types.FrameID, conn *uint8, err error) error {
	if err == nil {
		return nil
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return err
	}
	return &DecodeError{Kind: kindOf(err), Frame: frame, Conn: conn, Err: err}
}

func kindOf(err error) ErrorKind {
	for k, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return k
		}
	}
	return 0
}

// KindOf returns the ErrorKind of err, or 0 when err did not come from the
// decoder.
func KindOf(err error) ErrorKind {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Kind
	}
	return kindOf(err)
}
