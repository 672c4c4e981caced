// Package gate is the real-time device gateway: TCP ingestion of the
// tracker wire protocol, the connection registry keyed by IMEI, the
// outbound command dispatcher with offline queueing, and the relay
// confirmation state machine.
package gate

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/fleetgate/fleetgate/helpers"
	"github.com/fleetgate/fleetgate/log2"
	"github.com/fleetgate/fleetgate/storage"
	"github.com/fleetgate/fleetgate/wire"
)

var ErrSameClient = fmt.Errorf("imei overtake")

// MessageFunc handles one decoded message. Called in frame arrival order
// within a connection.
type MessageFunc = func(ctx context.Context, conn *Conn, msg wire.Message)

// CloseFunc is called after a connection is removed from the registry.
type CloseFunc = func(connID, imei string, e error)

// StatusStore is the slice of the persistence sink the relay
// confirmation loop polls and writes.
type StatusStore interface {
	LatestStatus(ctx context.Context, imei string) (*storage.StatusSample, error)
	SaveStatus(ctx context.Context, s *storage.StatusSample) error
}

type Config struct {
	// IdleRearm re-arms the read deadline instead of disconnecting:
	// battery devices legitimately go silent for long periods.
	IdleRearm time.Duration
	// LeavePreviousOnRebind preserves the legacy behavior of overwriting
	// the identity mapping without closing the displaced transport.
	LeavePreviousOnRebind bool
	QueueExpiry           time.Duration
	QueueSweepInterval    time.Duration
	RelayPollInterval     time.Duration
	RelayConfirmTimeout   time.Duration
	ReadLimit             int
}

func (c *Config) SetDefaults() {
	if c.IdleRearm == 0 {
		c.IdleRearm = 24 * time.Hour
	}
	if c.QueueExpiry == 0 {
		c.QueueExpiry = 24 * time.Hour
	}
	if c.QueueSweepInterval == 0 {
		c.QueueSweepInterval = time.Hour
	}
	if c.RelayPollInterval == 0 {
		c.RelayPollInterval = 500 * time.Millisecond
	}
	if c.RelayConfirmTimeout == 0 {
		c.RelayConfirmTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = wire.DefaultFrameLimit
	}
}

type Options struct {
	Log      *log2.Log
	Codec    wire.Codec
	Markings []wire.Marking
	Status   StatusStore
	OnClose  CloseFunc
	Config   Config
}

type ListenOptions struct {
	StreamURL string
	// NetworkTimeout bounds the wait for the login frame: a connection
	// that has not bound an identity within it is dropped. Zero disables;
	// bound connections follow Config.IdleRearm instead.
	NetworkTimeout time.Duration
}

// Gateway is one lifecycle-scoped service owning all per-IMEI mutable
// state: registry, command queue, relay flags. Injected into the TCP
// listener, the REST handlers and the telemetry processor; no globals.
type Gateway struct {
	alive     *alive.Alive
	log       *log2.Log
	codec     wire.Codec
	markings  []wire.Marking
	status    StatusStore
	onMessage MessageFunc
	onClose   CloseFunc
	config    Config

	conns struct {
		sync.RWMutex
		byID   map[string]*Conn
		byIMEI map[string]*Conn
	}
	queue struct {
		sync.Mutex
		m map[string][]QueuedCommand
	}
	relayFlags struct {
		sync.Mutex
		m map[string]bool
	}
	listens struct {
		sync.RWMutex
		m map[string]net.Listener
	}
}

func NewGateway(opt Options) *Gateway {
	opt.Config.SetDefaults()
	g := &Gateway{
		alive:    alive.NewAlive(),
		log:      opt.Log,
		codec:    opt.Codec,
		markings: opt.Markings,
		status:   opt.Status,
		onClose:  opt.OnClose,
		config:   opt.Config,
	}
	g.conns.byID = make(map[string]*Conn)
	g.conns.byIMEI = make(map[string]*Conn)
	g.queue.m = make(map[string][]QueuedCommand)
	g.relayFlags.m = make(map[string]bool)
	g.listens.m = make(map[string]net.Listener)
	return g
}

// SetOnMessage must be called before Listen. Separate from NewGateway
// because the telemetry processor and the gateway reference each other.
func (g *Gateway) SetOnMessage(f MessageFunc) { g.onMessage = f }

func (g *Gateway) Addrs() []string {
	g.listens.RLock()
	defer g.listens.RUnlock()
	addrs := make([]string, 0, len(g.listens.m))
	for _, l := range g.listens.m {
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

func (g *Gateway) Listen(ctx context.Context, opts []ListenOptions) error {
	if g.onMessage == nil {
		return errors.Errorf("code error Listen before SetOnMessage")
	}
	return helpers.WithLockError(&g.listens, func() error {
		// one alive subtask per listener, plus the expiry sweeper
		if !g.alive.Add(len(opts) + 1) {
			return errors.Errorf("Listen after Stop")
		}
		go g.sweepLoop()

		errs := make([]error, 0)
		for _, opt := range opts {
			g.log.Debugf("listen url=%s timeout=%v", opt.StreamURL, opt.NetworkTimeout)
			if err := g.listenStream(opt); err != nil {
				g.alive.Done()
				errs = append(errs, errors.Annotatef(err, "listenStream %s", opt.StreamURL))
				continue
			}
		}
		return helpers.FoldErrors(errs)
	})
}

func (g *Gateway) Stop() {
	g.alive.Stop()
	g.listens.Lock()
	for _, ll := range g.listens.m {
		_ = ll.Close()
	}
	g.listens.Unlock()

	g.conns.Lock()
	conns := make([]*Conn, 0, len(g.conns.byID))
	for _, c := range g.conns.byID {
		conns = append(conns, c)
	}
	g.conns.Unlock()
	for _, c := range conns {
		_ = c.die(ErrClosing)
	}
}

func (g *Gateway) Wait() { g.alive.Wait() }

func (g *Gateway) listenStream(opt ListenOptions) error {
	scheme, hostport, err := parseURI(opt.StreamURL)
	if err != nil {
		return errors.Annotate(err, "parse url")
	}

	var ll net.Listener
	switch scheme {
	case "tcp", "unix":
		if ll, err = net.Listen(scheme, hostport); err != nil {
			return errors.Annotatef(err, "net.Listen network=%s address=%s", scheme, hostport)
		}
	default:
		return errors.Errorf("unsupported listen url=%s", opt.StreamURL)
	}

	g.listens.m[opt.StreamURL] = ll
	go g.acceptLoop(ll, opt)
	return nil
}

func (g *Gateway) acceptLoop(ll net.Listener, opt ListenOptions) {
	defer g.alive.Done() // one alive subtask for each listener
	for {
		netConn, err := ll.Accept()
		if !g.alive.IsRunning() {
			if netConn != nil {
				_ = netConn.Close()
			}
			return
		}
		if err != nil {
			g.log.Error(errors.Annotatef(err, "accept listen=%s", addrString(ll.Addr())))
			g.alive.Stop()
			return
		}

		if !g.alive.Add(1) { // and one alive subtask for each connection
			_ = netConn.Close()
			return
		}
		conn := newConn(netConn, g.markings, g.config.ReadLimit, g.log)
		g.register(conn)
		go g.processConn(conn, opt)
	}
}

func (g *Gateway) register(conn *Conn) {
	helpers.WithLock(&g.conns, func() {
		g.conns.byID[conn.id] = conn
	})
	g.log.Debugf("accept conn=%s", conn)
}

// BindIdentity maps imei to the connection after a successful login. An
// identity already mapped to another live connection is overtaken; config
// decides whether the displaced transport is closed or left dangling as
// the legacy system did.
func (g *Gateway) BindIdentity(connID, imei string) {
	var displaced *Conn
	helpers.WithLock(&g.conns, func() {
		conn := g.conns.byID[connID]
		if conn == nil {
			return
		}
		if prev := conn.IMEI(); prev != "" && prev != imei {
			if g.conns.byIMEI[prev] == conn {
				delete(g.conns.byIMEI, prev)
			}
		}
		if ex, ok := g.conns.byIMEI[imei]; ok && ex != conn {
			g.log.Infof("client overtake imei=%s ex=%s new=%s", imei, addrString(ex.RemoteAddr()), addrString(conn.RemoteAddr()))
			if !g.config.LeavePreviousOnRebind {
				displaced = ex
			}
		}
		g.conns.byIMEI[imei] = conn
		conn.setIMEI(imei)
	})
	if displaced != nil {
		_ = displaced.die(ErrSameClient)
	}
}

func (g *Gateway) remove(conn *Conn) {
	helpers.WithLock(&g.conns, func() {
		if ex := g.conns.byID[conn.id]; ex == conn {
			delete(g.conns.byID, conn.id)
		}
		if imei := conn.IMEI(); imei != "" {
			if ex := g.conns.byIMEI[imei]; ex == conn {
				delete(g.conns.byIMEI, imei)
			}
		}
	})
}

func (g *Gateway) FindByIdentity(imei string) (*Conn, bool) {
	g.conns.RLock()
	defer g.conns.RUnlock()
	c, ok := g.conns.byIMEI[imei]
	return c, ok
}

func (g *Gateway) IsConnected(imei string) bool {
	_, ok := g.FindByIdentity(imei)
	return ok
}

func (g *Gateway) ConnectionCount() int {
	g.conns.RLock()
	defer g.conns.RUnlock()
	return len(g.conns.byID)
}

// DeviceStatus is the connectivity/queue view exposed to the REST layer.
type DeviceStatus struct {
	IMEI           string    `json:"imei"`
	Connected      bool      `json:"connected"`
	RemoteAddr     string    `json:"remote_addr,omitempty"`
	ConnectedAt    time.Time `json:"connected_at,omitempty"`
	LastActivity   time.Time `json:"last_activity,omitempty"`
	QueuedCommands int       `json:"queued_commands"`
}

func (g *Gateway) DeviceStatus(imei string) DeviceStatus {
	st := DeviceStatus{IMEI: imei, QueuedCommands: g.QueuedCount(imei)}
	if conn, ok := g.FindByIdentity(imei); ok {
		st.Connected = true
		st.RemoteAddr = addrString(conn.RemoteAddr())
		st.ConnectedAt = conn.ConnectedAt()
		st.LastActivity = conn.LastActivity()
	}
	return st
}

func (g *Gateway) ListConnected() []DeviceStatus {
	g.conns.RLock()
	imeis := make([]string, 0, len(g.conns.byIMEI))
	for imei := range g.conns.byIMEI {
		imeis = append(imeis, imei)
	}
	g.conns.RUnlock()

	out := make([]DeviceStatus, 0, len(imeis))
	for _, imei := range imeis {
		out = append(out, g.DeviceStatus(imei))
	}
	return out
}

// SetRelayFlag tracks the last commanded relay state per device,
// ephemeral, reset to off on login.
func (g *Gateway) SetRelayFlag(imei string, on bool) {
	helpers.WithLock(&g.relayFlags, func() { g.relayFlags.m[imei] = on })
}

func (g *Gateway) RelayFlag(imei string) bool {
	g.relayFlags.Lock()
	defer g.relayFlags.Unlock()
	return g.relayFlags.m[imei]
}

func (g *Gateway) processConn(conn *Conn, opt ListenOptions) {
	defer g.alive.Done()

	g.readLoop(conn, opt.NetworkTimeout)

	// mandatory cleanup on connection closed
	closeErr := conn.die(ErrClosing)
	g.remove(conn)
	if g.onClose != nil {
		g.onClose(conn.id, conn.IMEI(), closeErr)
	}
}

func (g *Gateway) readLoop(conn *Conn, networkTimeout time.Duration) {
	ctx := context.Background()
	buf := make([]byte, 4<<10)
	for g.alive.IsRunning() && !conn.Closed() {
		preLogin := conn.IMEI() == "" && networkTimeout > 0
		deadline := g.config.IdleRearm
		if preLogin {
			deadline = networkTimeout
		}
		if err := conn.net.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			_ = conn.die(errors.Annotate(err, "SetReadDeadline"))
			return
		}
		n, err := conn.net.Read(buf)
		if n > 0 {
			conn.last.SetNow()
			g.processChunk(ctx, conn, buf[:n])
		}
		if err != nil {
			if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
				if preLogin && conn.IMEI() == "" {
					// silent stranger never sent a login
					_ = conn.die(err)
					return
				}
				// keep-alive re-arm, not a disconnect
				g.log.Debugf("idle re-arm conn=%s", conn)
				continue
			}
			_ = conn.die(err)
			return
		}
	}
}

// processChunk feeds raw bytes through the splitter and codec, writes
// protocol acknowledgements, then hands typed messages over in order.
// Undecodable frames are dropped; the connection stays open.
func (g *Gateway) processChunk(ctx context.Context, conn *Conn, chunk []byte) {
	for _, frame := range conn.split.Feed(chunk) {
		batch, err := g.codec.Decode(frame)
		if err != nil {
			g.log.Debugf("drop frame conn=%s len=%d err=%v", conn, len(frame), err)
			continue
		}
		if len(batch.Ack) > 0 {
			if err := conn.Send(batch.Ack); err != nil {
				return
			}
		}
		for _, msg := range batch.Messages {
			g.onMessage(ctx, conn, msg)
		}
	}
}

func parseURI(url string) (scheme, hostport string, err error) {
	for _, s := range []string{"tcp", "unix"} {
		prefix := s + "://"
		if strings.HasPrefix(url, prefix) {
			return s, url[len(prefix):], nil
		}
	}
	return "", "", errors.Errorf("url=%s expected scheme://host:port", url)
}
