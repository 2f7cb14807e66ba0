// Package pairing renders an out-of-band pairing payload — the
// rendezvous server address plus a session token for the Connector to
// register with — as a QR code, so a Connector operator can scan it
// instead of copying a token by hand.
package pairing

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
)

// Payload is the plaintext encoded into the QR code: the rendezvous
// server to reach and the token the Connector uses as its session
// token. The Listener to target is still chosen by its IPv4 address.
type Payload struct {
	Server string
	Token  []byte
}

// String renders the payload as the compact "server#token" text form
// that both GenerateQRCode and a human typing it in by hand can use.
func (p Payload) String() string {
	return fmt.Sprintf("%s#%s", p.Server, hex.EncodeToString(p.Token))
}

// ParsePayload parses the "server#token" text form produced by
// Payload.String, e.g. the pairing code a Connector operator types in
// or scans from a QR code.
func ParsePayload(s string) (Payload, error) {
	server, hexToken, ok := strings.Cut(s, "#")
	if !ok || server == "" || hexToken == "" {
		return Payload{}, fmt.Errorf("pairing: invalid pairing code %q", s)
	}
	token, err := hex.DecodeString(hexToken)
	if err != nil {
		return Payload{}, fmt.Errorf("pairing: invalid pairing code token: %w", err)
	}
	return Payload{Server: server, Token: token}, nil
}

// GenerateQRCode renders p as a PNG-encoded QR code of size x size
// pixels (square).
func GenerateQRCode(p Payload, size int) ([]byte, error) {
	text := p.String()
	if p.Server == "" || len(p.Token) == 0 {
		return nil, fmt.Errorf("pairing: server and token are required")
	}

	png, err := qrcode.Encode(text, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("pairing: encode QR code: %w", err)
	}
	return png, nil
}

// GenerateQRCodeDataURL renders p as a data: URL suitable for
// embedding directly in an <img> tag or admin UI.
func GenerateQRCodeDataURL(p Payload, size int) (string, error) {
	png, err := GenerateQRCode(p, size)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// TerminalQRCode renders p as an ANSI-art QR code for direct display
// in a terminal, for operators pairing over an SSH session without a
// way to open an image.
func TerminalQRCode(p Payload) (string, error) {
	if p.Server == "" || len(p.Token) == 0 {
		return "", fmt.Errorf("pairing: server and token are required")
	}

	q, err := qrcode.New(p.String(), qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("pairing: build QR code: %w", err)
	}
	return q.ToSmallString(false), nil
}
