package gate

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/fleetgate/log2"
	"github.com/fleetgate/fleetgate/storage"
	"github.com/fleetgate/fleetgate/wire"
)

// textCodec decodes frames of the form 0x78 0x78 'L' <imei> 0x0d 0x0a
// into login messages and acks every frame with "OK#". Anything else is
// a decode error.
type textCodec struct{}

func (textCodec) Decode(frame []byte) (wire.Batch, error) {
	body := frame[len(wire.StartCanonical) : len(frame)-len(wire.Terminator)]
	if len(body) < 2 || body[0] != 'L' {
		return wire.Batch{}, errors.Errorf("unknown frame %x", frame)
	}
	return wire.Batch{
		Ack: []byte("OK#"),
		Messages: []wire.Message{
			{Kind: wire.KindLogin, IMEI: string(body[1:])},
		},
	}, nil
}

func loginFrame(imei string) []byte {
	var b bytes.Buffer
	b.Write(wire.StartCanonical)
	b.WriteByte('L')
	b.WriteString(imei)
	b.Write(wire.Terminator)
	return b.Bytes()
}

type msgSink struct {
	mu   sync.Mutex
	msgs []wire.Message
}

func (s *msgSink) on(g *Gateway) MessageFunc {
	return func(ctx context.Context, conn *Conn, msg wire.Message) {
		if msg.Kind == wire.KindLogin {
			g.BindIdentity(conn.ID(), msg.IMEI)
		}
		s.mu.Lock()
		s.msgs = append(s.msgs, msg)
		s.mu.Unlock()
	}
}

func (s *msgSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func listenGateway(t testing.TB, lo ListenOptions) (*Gateway, *msgSink, string) {
	if lo.StreamURL == "" {
		lo.StreamURL = "tcp://127.0.0.1:0"
	}
	g := NewGateway(Options{
		Log:    log2.NewTest(t, log2.LDebug),
		Codec:  textCodec{},
		Status: storage.NewMem(),
	})
	sink := &msgSink{}
	g.SetOnMessage(sink.on(g))
	require.NoError(t, g.Listen(context.Background(), []ListenOptions{lo}))
	t.Cleanup(func() { g.Stop(); g.Wait() })

	addrs := g.Addrs()
	require.Len(t, addrs, 1)
	return g, sink, addrs[0]
}

func TestServerLoginAck(t *testing.T) {
	t.Parallel()

	g, sink, addr := listenGateway(t, ListenOptions{})

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write(loginFrame(testIMEI))
	require.NoError(t, err)

	// ack written back before the message handler runs
	rd := bufio.NewReader(client)
	ack := make([]byte, 3)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(rd, ack)
	require.NoError(t, err)
	assert.Equal(t, "OK#", string(ack))

	waitFor(t, func() bool { return g.IsConnected(testIMEI) })
	assert.Equal(t, 1, sink.count())

	// outbound path over the same transport
	_, err = g.SendCommand(testIMEI, wire.CommandRelayOn, nil, 0)
	require.NoError(t, err)
	cmd := make([]byte, 8)
	n, err := rd.Read(cmd)
	require.NoError(t, err)
	assert.Equal(t, "RELAY,1#", string(cmd[:n]))
}

func TestServerBadFrameKeepsConnection(t *testing.T) {
	t.Parallel()

	g, sink, addr := listenGateway(t, ListenOptions{})

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	// garbage, then an undecodable frame, then a valid login
	var b bytes.Buffer
	b.WriteString("noise")
	b.Write(wire.StartCanonical)
	b.WriteString("???")
	b.Write(wire.Terminator)
	b.Write(loginFrame(testIMEI))
	_, err = client.Write(b.Bytes())
	require.NoError(t, err)

	waitFor(t, func() bool { return g.IsConnected(testIMEI) })
	assert.Equal(t, 1, sink.count())
}

func TestPreLoginNetworkTimeout(t *testing.T) {
	t.Parallel()

	g, _, addr := listenGateway(t, ListenOptions{NetworkTimeout: 50 * time.Millisecond})

	// silent stranger: connects, never sends a login, gets dropped
	stranger, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer stranger.Close()
	require.NoError(t, stranger.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = stranger.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	waitFor(t, func() bool { return g.ConnectionCount() == 0 })

	// bound device: after login the idle re-arm applies, not the
	// pre-login deadline
	device, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer device.Close()
	_, err = device.Write(loginFrame(testIMEI))
	require.NoError(t, err)
	waitFor(t, func() bool { return g.IsConnected(testIMEI) })

	time.Sleep(150 * time.Millisecond)
	assert.True(t, g.IsConnected(testIMEI))
}

func TestServerOvertakeByNewClient(t *testing.T) {
	t.Parallel()

	g, _, addr := listenGateway(t, ListenOptions{})

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()
	_, err = first.Write(loginFrame(testIMEI))
	require.NoError(t, err)
	waitFor(t, func() bool { return g.IsConnected(testIMEI) })

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()
	_, err = second.Write(loginFrame(testIMEI))
	require.NoError(t, err)

	// displaced transport is closed, registry keeps exactly one conn
	waitFor(t, func() bool { return g.ConnectionCount() == 1 })
	assert.True(t, g.IsConnected(testIMEI))

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 16)
	for {
		if _, err = first.Read(buf); err != nil {
			break
		}
	}
	require.Error(t, err)
}
