package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/fleetgate/gate"
	"github.com/fleetgate/fleetgate/log2"
	"github.com/fleetgate/fleetgate/storage"
	"github.com/fleetgate/fleetgate/wire"
)

const testIMEI = "866217030000001"

// loginCodec decodes 0x78 0x78 'L' <imei> 0x0d 0x0a frames.
type loginCodec struct{}

func (loginCodec) Decode(frame []byte) (wire.Batch, error) {
	body := frame[len(wire.StartCanonical) : len(frame)-len(wire.Terminator)]
	if len(body) < 2 || body[0] != 'L' {
		return wire.Batch{}, errors.Errorf("bad frame")
	}
	return wire.Batch{Messages: []wire.Message{{Kind: wire.KindLogin, IMEI: string(body[1:])}}}, nil
}

type fixture struct {
	gate *gate.Gateway
	mem  *storage.Mem
	srv  *Server
	addr string
}

func newFixture(t testing.TB) *fixture {
	f := &fixture{mem: storage.NewMem()}
	f.gate = gate.NewGateway(gate.Options{
		Log:    log2.NewTest(t, log2.LDebug),
		Codec:  loginCodec{},
		Status: f.mem,
		Config: gate.Config{
			RelayPollInterval:   10 * time.Millisecond,
			RelayConfirmTimeout: 200 * time.Millisecond,
		},
	})
	f.gate.SetOnMessage(func(ctx context.Context, conn *gate.Conn, msg wire.Message) {
		if msg.Kind == wire.KindLogin {
			f.gate.BindIdentity(conn.ID(), msg.IMEI)
		}
	})
	require.NoError(t, f.gate.Listen(context.Background(), []gate.ListenOptions{{StreamURL: "tcp://127.0.0.1:0"}}))
	t.Cleanup(func() { f.gate.Stop(); f.gate.Wait() })
	f.addr = f.gate.Addrs()[0]
	f.srv = NewServer(log2.NewTest(t, log2.LDebug), f.gate)
	return f
}

// connect dials the gateway and logs the test device in.
func (f *fixture) connect(t testing.TB) net.Conn {
	client, err := net.Dial("tcp", f.addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	var b bytes.Buffer
	b.Write(wire.StartCanonical)
	b.WriteByte('L')
	b.WriteString(testIMEI)
	b.Write(wire.Terminator)
	_, err = client.Write(b.Bytes())
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.gate.IsConnected(testIMEI) {
			go func() { // drain outbound commands
				buf := make([]byte, 1<<10)
				for {
					if _, err := client.Read(buf); err != nil {
						return
					}
				}
			}()
			return client
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("device never connected")
	return nil
}

func (f *fixture) do(t testing.TB, method, path, body string) *httptest.ResponseRecorder {
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("{}")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t testing.TB, w *httptest.ResponseRecorder) map[string]interface{} {
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func TestHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	m := decode(t, w)
	assert.Equal(t, true, m["ok"])
}

func TestConnectionsListsDevice(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)

	w := f.do(t, http.MethodGet, "/connections", "")
	require.Equal(t, http.StatusOK, w.Code)
	m := decode(t, w)
	assert.EqualValues(t, 1, m["count"])
	assert.Contains(t, w.Body.String(), testIMEI)
}

func TestDeviceStatusOffline(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/devices/"+testIMEI, "")
	require.Equal(t, http.StatusOK, w.Code)
	m := decode(t, w)
	assert.Equal(t, false, m["connected"])
	assert.EqualValues(t, 0, m["queued_commands"])
}

func TestCommandConnectedSends(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)

	w := f.do(t, http.MethodPost, "/devices/"+testIMEI+"/commands", `{"type":"relay-on"}`)
	require.Equal(t, http.StatusOK, w.Code)
	m := decode(t, w)
	assert.Equal(t, true, m["sent"])
	assert.Equal(t, false, m["queued"])
}

func TestCommandOfflineQueues(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/devices/"+testIMEI+"/commands", `{"type":"reset","priority":3}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	m := decode(t, w)
	assert.Equal(t, true, m["queued"])
	assert.Equal(t, 1, f.gate.QueuedCount(testIMEI))
}

func TestCommandUnknownType(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/devices/"+testIMEI+"/commands", `{"type":"warp-drive"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, f.gate.QueuedCount(testIMEI))
}

func TestCommandBadBody(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/devices/"+testIMEI+"/commands", `{"type":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRelayOffline(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/devices/"+testIMEI+"/relay", `{"on":true}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRelayConfirmed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = f.mem.SaveStatus(context.Background(), &storage.StatusSample{
			IMEI: testIMEI, At: time.Now(), Relay: true,
		})
	}()

	w := f.do(t, http.MethodPost, "/devices/"+testIMEI+"/relay", `{"on":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	m := decode(t, w)
	assert.Equal(t, true, m["confirmed"])
}

func TestRelayConfirmTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)

	w := f.do(t, http.MethodPost, "/devices/"+testIMEI+"/relay", `{"on":true}`)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}
