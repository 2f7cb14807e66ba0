package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRegisterConnector(t *testing.T) {
	tests := []struct {
		name  string
		ip    string
		token []byte
	}{
		{"min token", "10.0.0.2", []byte{0xA1}},
		{"max token", "203.0.113.5", make([]byte, MaxTokenLen)},
		{"typical", "10.0.0.2", []byte{0xA1, 0xA2, 0xA3, 0xA4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := EncodeRegisterConnector(net.ParseIP(tt.ip), tt.token)
			require.NoError(t, err)
			assert.Equal(t, KindRegister, buf[0])

			msg, err := DecodeRegister(buf[:])
			require.NoError(t, err)
			assert.Equal(t, RoleConnector, msg.Role)
			assert.True(t, msg.TargetIP.Equal(net.ParseIP(tt.ip)))
			assert.Equal(t, tt.token, msg.Token)
			assert.Equal(t, byte(len(tt.token)), buf[6])
		})
	}
}

func TestEncodeRegisterConnectorRejectsBadTokenLength(t *testing.T) {
	_, err := EncodeRegisterConnector(net.ParseIP("10.0.0.2"), nil)
	assert.Error(t, err)

	_, err = EncodeRegisterConnector(net.ParseIP("10.0.0.2"), make([]byte, MaxTokenLen+1))
	assert.Error(t, err)
}

func TestRegisterListenerHasNoToken(t *testing.T) {
	buf := EncodeRegisterListener()
	msg, err := DecodeRegister(buf[:])
	require.NoError(t, err)
	assert.Equal(t, RoleListener, msg.Role)
	assert.Nil(t, msg.Token)
	assert.Nil(t, msg.TargetIP)
}

func TestEncodeDecodeConnectTo(t *testing.T) {
	token := []byte{0xA1, 0xA2, 0xA3, 0xA4}
	buf, err := EncodeConnectTo(net.ParseIP("10.0.0.2"), 40000, token)
	require.NoError(t, err)

	msg, err := DecodeConnectTo(buf[:])
	require.NoError(t, err)
	assert.True(t, msg.PeerIP.Equal(net.ParseIP("10.0.0.2")))
	assert.Equal(t, uint16(40000), msg.AnchorPort)
	assert.Equal(t, token, msg.Token)
}

func TestConnectToPortIsLittleEndian(t *testing.T) {
	buf, err := EncodeConnectTo(net.ParseIP("10.0.0.2"), 0x1234, []byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, byte(0x34), buf[5])
	assert.Equal(t, byte(0x12), buf[6])
}

func TestDecodeConnectToTightenedTokenBound(t *testing.T) {
	// A hand-built datagram whose declared length would only overflow
	// under the loose "L > bufferLen-6" check, not the tightened
	// "8+L <= 64" rule (§9 note 2).
	var buf [Size]byte
	buf[0] = KindConnectTo
	buf[7] = 57 // 8+57 = 65 > 64
	_, err := DecodeConnectTo(buf[:])
	assert.ErrorIs(t, err, ErrDiscard)
}

func TestEncodeDecodePunchAndPunchSuccess(t *testing.T) {
	token := []byte{0x11, 0x22, 0x33}

	punchBuf, err := EncodePunch(token)
	require.NoError(t, err)
	msg, err := DecodePunch(punchBuf[:])
	require.NoError(t, err)
	assert.Equal(t, token, msg.Token)

	successBuf, err := EncodePunchSuccess(token)
	require.NoError(t, err)
	msg, err = DecodePunch(successBuf[:])
	require.NoError(t, err)
	assert.Equal(t, token, msg.Token)
	assert.Equal(t, KindPunchSuccess, successBuf[0])
}

func TestDegeneratePunchTokenLengthZero(t *testing.T) {
	// §9 note 4: a zero-length token echo is undefined by the
	// original but treated here as a valid degenerate case.
	var buf [Size]byte
	buf[0] = KindPunch
	buf[1] = 0
	msg, err := DecodePunch(buf[:])
	require.NoError(t, err)
	assert.Empty(t, msg.Token)
}

func TestRewriteKindPreservesTokenBytes(t *testing.T) {
	token := []byte{0x11, 0x22, 0x33}
	buf, err := EncodePunch(token)
	require.NoError(t, err)

	before := buf
	RewriteKind(buf[:], KindPunchSuccess)

	assert.Equal(t, KindPunchSuccess, buf[0])
	assert.Equal(t, before[1:], buf[1:], "only byte 0 may differ")
}

func TestEncodeDecodeError(t *testing.T) {
	buf := EncodeError(ClientNotFound)
	code, err := DecodeErrorCode(buf[:])
	require.NoError(t, err)
	assert.Equal(t, ClientNotFound, code)
}

func TestKindRejectsWrongSize(t *testing.T) {
	_, err := Kind(make([]byte, Size-1))
	assert.ErrorIs(t, err, ErrDiscard)

	_, err = Kind(make([]byte, Size+1))
	assert.ErrorIs(t, err, ErrDiscard)

	kind, err := Kind(make([]byte, Size))
	require.NoError(t, err)
	assert.Equal(t, byte(0), kind) // zero buffer decodes as kind 0 (unknown)
}

func TestDecodeRejectsWrongKindByte(t *testing.T) {
	buf := EncodeError(ClientNotFound)
	_, err := DecodeConnectTo(buf[:])
	assert.ErrorIs(t, err, ErrDiscard)
}

func TestTokensEqual(t *testing.T) {
	assert.True(t, TokensEqual([]byte{1, 2, 3}, []byte{1, 2, 3}))
	assert.False(t, TokensEqual([]byte{1, 2, 3}, []byte{1, 2, 4}))
	assert.False(t, TokensEqual([]byte{1, 2}, []byte{1, 2, 3}))
	assert.True(t, TokensEqual(nil, nil))
}

func TestAllEncodedMessagesAreExactly64Bytes(t *testing.T) {
	registerBuf, err := EncodeRegisterConnector(net.ParseIP("10.0.0.2"), []byte{1})
	require.NoError(t, err)
	connectBuf, err := EncodeConnectTo(net.ParseIP("10.0.0.2"), 1, []byte{1})
	require.NoError(t, err)
	punchBuf, err := EncodePunch([]byte{1})
	require.NoError(t, err)
	errBuf := EncodeError(ClientNotFound)

	for _, b := range [][]byte{registerBuf[:], connectBuf[:], punchBuf[:], errBuf[:]} {
		assert.Len(t, b, Size)
	}
}
