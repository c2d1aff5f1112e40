package transport

import "fmt"

// ErrorKind classifies a transport-level failure.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#section-20.1
type ErrorKind int

// Error kinds.
const (
	InternalError ErrorKind = iota
	InvalidArgument
	InvalidPacket
	UnknownVersion
	FrameEncodingError
	ProtocolViolation
	FlowControlError
	StreamStateError
	StreamLimitError
	TransportParameterError
	ConnectionIDLimitError
	InvalidToken
	CryptoError
	ConnectionTimeout
	PeerConnectionClose
)

var errorKindNames = [...]string{
	InternalError:           "internal_error",
	InvalidArgument:         "invalid_argument",
	InvalidPacket:           "invalid_packet",
	UnknownVersion:          "unknown_version",
	FrameEncodingError:      "frame_encoding_error",
	ProtocolViolation:       "protocol_violation",
	FlowControlError:        "flow_control_error",
	StreamStateError:        "stream_state_error",
	StreamLimitError:        "stream_limit_error",
	TransportParameterError: "transport_parameter_error",
	ConnectionIDLimitError:  "connection_id_limit_error",
	InvalidToken:            "invalid_token",
	CryptoError:             "crypto_error",
	ConnectionTimeout:       "connection_timeout",
	PeerConnectionClose:     "peer_connection_close",
}

func (k ErrorKind) String() string {
	if int(k) >= 0 && int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return "unknown_error"
}

// transportErrorCode maps a kind to the RFC 9000 section 20.1 wire code,
// used when a kind results in an immediate CONNECTION_CLOSE.
func (k ErrorKind) transportErrorCode() uint64 {
	switch k {
	case InternalError:
		return 0x1
	case FlowControlError:
		return 0x3
	case StreamStateError:
		return 0x5
	case StreamLimitError:
		return 0x4
	case FrameEncodingError:
		return 0x7
	case TransportParameterError:
		return 0x8
	case ConnectionIDLimitError:
		return 0x9
	case ProtocolViolation:
		return 0xa
	case InvalidToken:
		return 0xb
	default:
		return 0x1
	}
}

// Error is the single error type returned by the transport package.
// Kind distinguishes the cases callers need to branch on; everything
// else is in Message.
type Error struct {
	Kind    ErrorKind
	Message string
}

func newError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

var (
	errInvalidToken = newError(InvalidToken, "invalid retry token or integrity tag")
	errFlowControl  = newError(FlowControlError, "flow control limit exceeded")
	errShortBuffer  = newError(InternalError, "buffer too short")
)

// errorCodeString renders a transport or application error code the way
// qlog wants it: a short symbolic name for well-known transport codes,
// or a generic "crypto_error_N" for the TLS alert range.
func errorCodeString(code uint64) string {
	switch code {
	case 0x0:
		return "no_error"
	case 0x1:
		return "internal_error"
	case 0x2:
		return "connection_refused"
	case 0x3:
		return "flow_control_error"
	case 0x4:
		return "stream_limit_error"
	case 0x5:
		return "stream_state_error"
	case 0x6:
		return "final_size_error"
	case 0x7:
		return "frame_encoding_error"
	case 0x8:
		return "transport_parameter_error"
	case 0x9:
		return "connection_id_limit_error"
	case 0xa:
		return "protocol_violation"
	case 0xb:
		return "invalid_token"
	case 0xc:
		return "application_error"
	case 0xd:
		return "crypto_buffer_exceeded"
	case 0xe:
		return "key_update_error"
	case 0xf:
		return "aead_limit_reached"
	case 0x10:
		return "no_viable_path"
	}
	if code >= 0x100 && code <= 0x1ff {
		return fmt.Sprintf("crypto_error_%d", code-0x100)
	}
	return fmt.Sprintf("unknown_error_%d", code)
}
