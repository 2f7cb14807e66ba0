// Package wire implements the fixed-layout 64-byte UDP datagram protocol
// used between Listener, Connector, and Rendezvous Server. Every message
// fits a single unfragmented datagram; there is no framing beyond the
// fixed size and no field is variable-length beyond the token.
package wire

import (
	"errors"
	"fmt"
	"net"
)

// Size is the fixed length of every datagram on the wire. Anything else
// received on the socket is not a message and must be discarded.
const Size = 64

// Message kinds (byte 0 of every datagram).
const (
	KindRegister     byte = 0x01
	KindConnectTo    byte = 0x02
	KindPunch        byte = 0x03
	KindPunchSuccess byte = 0x04
	KindError        byte = 0x05
)

// Role flags carried in byte 1 of a Register datagram.
const (
	RoleConnector byte = 1
	RoleListener  byte = 2
)

// Error codes carried in byte 1 of an Error datagram. The enumeration is
// open-ended by design (§9 note 3); unrecognized codes are
// forward-compatible no-ops for a client that only understands
// ClientNotFound.
const (
	ClientNotFound byte = 0x01
)

// Token length bounds enforced when constructing a session token.
const (
	MinTokenLen = 1
	MaxTokenLen = 32
)

// ErrDiscard is returned by decode functions for any malformed, truncated,
// or otherwise unusable datagram. Callers must silently drop the datagram
// rather than surface this to the session's caller (§7,
// ProtocolDiscard).
var ErrDiscard = errors.New("wire: discard")

// KindName returns a human-readable name for a message kind, for logging.
func KindName(kind byte) string {
	switch kind {
	case KindRegister:
		return "register"
	case KindConnectTo:
		return "connect_to"
	case KindPunch:
		return "punch"
	case KindPunchSuccess:
		return "punch_success"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("unknown(0x%02x)", kind)
	}
}

// Register is the client -> server datagram sent exactly once at session
// start. Token and TargetIP are only meaningful when Role is
// RoleConnector; a Listener's Register carries neither.
type Register struct {
	Role     byte
	TargetIP net.IP // 4-byte IPv4, Connector only
	Token    []byte // Connector only
}

// ConnectTo is the server -> client datagram naming the punch target.
type ConnectTo struct {
	PeerIP     net.IP // 4-byte IPv4
	AnchorPort uint16
	Token      []byte
}

// Punch (and, with the kind byte flipped, PunchSuccess) is the peer <->
// peer datagram carrying the session token for correlation.
type Punch struct {
	Token []byte
}

// EncodeRegisterConnector builds a Register datagram for a Connector.
func EncodeRegisterConnector(targetIP net.IP, token []byte) ([Size]byte, error) {
	var buf [Size]byte

	ip4 := targetIP.To4()
	if ip4 == nil {
		return buf, fmt.Errorf("wire: target IP %v is not IPv4", targetIP)
	}
	if len(token) < MinTokenLen || len(token) > MaxTokenLen {
		return buf, fmt.Errorf("wire: token length %d out of range [%d,%d]", len(token), MinTokenLen, MaxTokenLen)
	}

	buf[0] = KindRegister
	buf[1] = RoleConnector
	copy(buf[2:6], ip4)
	buf[6] = byte(len(token))
	copy(buf[7:7+len(token)], token)

	return buf, nil
}

// EncodeRegisterListener builds a Register datagram for a Listener. A
// Listener has no token yet; it will echo whatever the server forwards.
func EncodeRegisterListener() [Size]byte {
	var buf [Size]byte
	buf[0] = KindRegister
	buf[1] = RoleListener
	return buf
}

// DecodeRegister parses a Register datagram. buf must be exactly Size
// bytes; callers should have already checked datagram length.
func DecodeRegister(buf []byte) (Register, error) {
	if len(buf) != Size || buf[0] != KindRegister {
		return Register{}, ErrDiscard
	}

	msg := Register{Role: buf[1]}
	if msg.Role != RoleConnector {
		return msg, nil
	}

	l := int(buf[6])
	if l < MinTokenLen || l > MaxTokenLen || 7+l > Size {
		return Register{}, ErrDiscard
	}

	msg.TargetIP = net.IP(append([]byte(nil), buf[2:6]...))
	msg.Token = append([]byte(nil), buf[7:7+l]...)
	return msg, nil
}

// EncodeConnectTo builds a ConnectTo datagram.
func EncodeConnectTo(peerIP net.IP, anchorPort uint16, token []byte) ([Size]byte, error) {
	var buf [Size]byte

	ip4 := peerIP.To4()
	if ip4 == nil {
		return buf, fmt.Errorf("wire: peer IP %v is not IPv4", peerIP)
	}
	// 8+len(token) <= Size is the buffer-fit rule tightened from the
	// looser "L > bufferLen-6" check (§9 note 2); it caps the usable
	// token length at 56, well above the protocol's 32-byte token cap.
	if len(token) < MinTokenLen || 8+len(token) > Size {
		return buf, fmt.Errorf("wire: token length %d does not fit ConnectTo layout", len(token))
	}

	buf[0] = KindConnectTo
	copy(buf[1:5], ip4)
	buf[5] = byte(anchorPort)
	buf[6] = byte(anchorPort >> 8)
	buf[7] = byte(len(token))
	copy(buf[8:8+len(token)], token)

	return buf, nil
}

// DecodeConnectTo parses a ConnectTo datagram.
func DecodeConnectTo(buf []byte) (ConnectTo, error) {
	if len(buf) != Size || buf[0] != KindConnectTo {
		return ConnectTo{}, ErrDiscard
	}

	l := int(buf[7])
	if l < MinTokenLen || 8+l > Size {
		return ConnectTo{}, ErrDiscard
	}

	msg := ConnectTo{
		PeerIP:     net.IP(append([]byte(nil), buf[1:5]...)),
		AnchorPort: uint16(buf[5]) | uint16(buf[6])<<8,
		Token:      append([]byte(nil), buf[8:8+l]...),
	}
	return msg, nil
}

// encodePunchLike builds a Punch or PunchSuccess datagram; the two share
// an identical body layout and differ only in the kind byte.
func encodePunchLike(kind byte, token []byte) ([Size]byte, error) {
	var buf [Size]byte

	// Token length 0 is a valid, if degenerate, echo (§9 note 4), so no
	// lower bound is enforced here or in DecodePunch; only the upper
	// bound is checked.
	if len(token) > MaxTokenLen || 2+len(token) > Size {
		return buf, fmt.Errorf("wire: token length %d does not fit punch layout", len(token))
	}

	buf[0] = kind
	buf[1] = byte(len(token))
	copy(buf[2:2+len(token)], token)

	return buf, nil
}

// EncodePunch builds a Punch datagram.
func EncodePunch(token []byte) ([Size]byte, error) {
	return encodePunchLike(KindPunch, token)
}

// EncodePunchSuccess builds a PunchSuccess datagram.
func EncodePunchSuccess(token []byte) ([Size]byte, error) {
	return encodePunchLike(KindPunchSuccess, token)
}

// DecodePunch parses a Punch or PunchSuccess datagram; callers should
// check buf[0] first (via Kind) to know which they received.
func DecodePunch(buf []byte) (Punch, error) {
	if len(buf) != Size || (buf[0] != KindPunch && buf[0] != KindPunchSuccess) {
		return Punch{}, ErrDiscard
	}

	l := int(buf[1])
	if 2+l > Size {
		return Punch{}, ErrDiscard
	}

	return Punch{Token: append([]byte(nil), buf[2:2+l]...)}, nil
}

// RewriteKind flips byte 0 of a received datagram in place, leaving the
// rest of the body (token length and token bytes) untouched. This is how
// a Listener turns an inbound Punch into an outbound PunchSuccess without
// re-parsing or re-encoding the token (§4.4, outer loop step 3).
func RewriteKind(buf []byte, kind byte) {
	buf[0] = kind
}

// EncodeError builds an Error datagram carrying the given code.
func EncodeError(code byte) [Size]byte {
	var buf [Size]byte
	buf[0] = KindError
	buf[1] = code
	return buf
}

// DecodeErrorCode parses an Error datagram and returns its code.
func DecodeErrorCode(buf []byte) (byte, error) {
	if len(buf) != Size || buf[0] != KindError {
		return 0, ErrDiscard
	}
	return buf[1], nil
}

// Kind returns byte 0 of a datagram after validating its length. It is
// the first thing the punch state machine calls on every inbound
// datagram (§4.4: "Non-64-byte datagrams are discarded silently").
func Kind(buf []byte) (byte, error) {
	if len(buf) != Size {
		return 0, ErrDiscard
	}
	return buf[0], nil
}

// TokensEqual reports whether two tokens are identical. Tokens of
// different lengths return false at once; for equal lengths every byte
// is compared regardless of where the first mismatch occurs, which is
// cheap hardening against timing side channels even though the protocol
// does not require it (§9).
func TokensEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
