package rendezvous

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchd/punchd/internal/transport/udp"
	"github.com/punchd/punchd/pkg/wire"
)

// mockPacket/mockTransport mirror internal/punch's in-memory harness so
// the matching table can be exercised without a real socket.
type mockPacket struct {
	data []byte
	from *net.UDPAddr
}

type mockTransport struct {
	addr   *net.UDPAddr
	inbox  chan mockPacket
	closed atomic.Bool
	sent   chan mockPacket // records outbound sends, keyed by (data, dest) via from field reuse
}

func newMockTransport(addr *net.UDPAddr) *mockTransport {
	return &mockTransport{addr: addr, inbox: make(chan mockPacket, 64), sent: make(chan mockPacket, 64)}
}

func (m *mockTransport) LocalAddr() *net.UDPAddr { return m.addr }

func (m *mockTransport) SendTo(buf []byte, _ time.Duration, remote *net.UDPAddr) (int, error) {
	if m.closed.Load() {
		return 0, udp.ErrClosed
	}
	m.sent <- mockPacket{data: append([]byte(nil), buf...), from: remote}
	return len(buf), nil
}

func (m *mockTransport) ReceiveFrom(buf []byte, timeout time.Duration) (int, *net.UDPAddr, error) {
	select {
	case pkt, ok := <-m.inbox:
		if !ok {
			return 0, nil, udp.ErrClosed
		}
		return copy(buf, pkt.data), pkt.from, nil
	case <-time.After(timeout):
		return 0, nil, udp.ErrTimeout
	}
}

func (m *mockTransport) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		close(m.inbox)
	}
	return nil
}

func (m *mockTransport) deliver(data []byte, from *net.UDPAddr) {
	select {
	case m.inbox <- mockPacket{data: data, from: from}:
	default:
	}
}

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp4", s)
	require.NoError(t, err)
	return a
}

func newTestServer(t *testing.T, mt *mockTransport, opts ...Option) (*Server, context.CancelFunc) {
	t.Helper()
	s := New(mt.addr.String(), opts...)
	s.bind = func(string) (transport, error) { return mt, nil }

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()
	return s, cancel
}

func TestClientNotFoundWhenNoListenerRegistered(t *testing.T) {
	mt := newMockTransport(udpAddr(t, "10.0.0.1:9000"))
	_, cancel := newTestServer(t, mt)
	defer cancel()

	connector := udpAddr(t, "10.0.0.2:40000")
	reg, err := wire.EncodeRegisterConnector(net.ParseIP("10.0.0.9"), []byte("sometoken1234567"))
	require.NoError(t, err)
	mt.deliver(reg[:], connector)

	select {
	case pkt := <-mt.sent:
		assert.Equal(t, connector.String(), pkt.from.String())
		code, err := wire.DecodeErrorCode(pkt.data)
		require.NoError(t, err)
		assert.Equal(t, wire.ClientNotFound, code)
	case <-time.After(time.Second):
		t.Fatal("no error datagram sent")
	}
}

func TestMutualConnectToOnMatch(t *testing.T) {
	mt := newMockTransport(udpAddr(t, "10.0.0.1:9000"))
	_, cancel := newTestServer(t, mt)
	defer cancel()

	listenerAddr := udpAddr(t, "10.0.0.3:50000")
	connectorAddr := udpAddr(t, "10.0.0.2:40000")
	token := []byte("matchtoken123456")

	listenerReg := wire.EncodeRegisterListener()
	mt.deliver(listenerReg[:], listenerAddr)

	// Give the server's single receive loop a moment to process the
	// Listener's registration before the Connector's arrives.
	time.Sleep(20 * time.Millisecond)

	connectorReg, err := wire.EncodeRegisterConnector(listenerAddr.IP, token)
	require.NoError(t, err)
	mt.deliver(connectorReg[:], connectorAddr)

	var toConnector, toListener wire.ConnectTo
	var gotConnector, gotListener bool

	deadline := time.After(2 * time.Second)
	for !gotConnector || !gotListener {
		select {
		case pkt := <-mt.sent:
			ct, derr := wire.DecodeConnectTo(pkt.data)
			require.NoError(t, derr)
			switch pkt.from.String() {
			case connectorAddr.String():
				toConnector = ct
				gotConnector = true
			case listenerAddr.String():
				toListener = ct
				gotListener = true
			}
		case <-deadline:
			t.Fatal("did not observe both connect_to datagrams")
		}
	}

	assert.True(t, listenerAddr.IP.Equal(toConnector.PeerIP))
	assert.Equal(t, listenerAddr.Port, int(toConnector.AnchorPort))
	assert.Equal(t, token, toConnector.Token)

	assert.True(t, connectorAddr.IP.Equal(toListener.PeerIP))
	assert.Equal(t, connectorAddr.Port, int(toListener.AnchorPort))
	assert.Equal(t, token, toListener.Token)
}

func TestCleanupStaleRemovesExpiredRegistrations(t *testing.T) {
	mt := newMockTransport(udpAddr(t, "10.0.0.1:9000"))
	s, cancel := newTestServer(t, mt, WithIdleTimeout(10*time.Millisecond))
	defer cancel()

	listenerAddr := udpAddr(t, "10.0.0.3:50000")
	reg := wire.EncodeRegisterListener()
	mt.deliver(reg[:], listenerAddr)

	require.Eventually(t, func() bool {
		return len(s.Snapshot().Registrations) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	s.CleanupStale()

	assert.Empty(t, s.Snapshot().Registrations)
}

func TestConcurrentRegistrationsAreRaceFree(t *testing.T) {
	mt := newMockTransport(udpAddr(t, "10.0.0.1:9000"))
	s, cancel := newTestServer(t, mt)
	defer cancel()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := udpAddr(t, fmt.Sprintf("10.0.1.%d:6000", i+1))
			reg := wire.EncodeRegisterListener()
			mt.deliver(reg[:], addr)
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(s.Snapshot().Registrations) == n
	}, 2*time.Second, 10*time.Millisecond)
}
