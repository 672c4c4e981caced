package gate

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/temoto/alive/v2"
	atomic_clock "github.com/temoto/atomic_clock"

	"github.com/fleetgate/fleetgate/helpers"
	"github.com/fleetgate/fleetgate/log2"
	"github.com/fleetgate/fleetgate/wire"
)

var ErrClosing = fmt.Errorf("closing")

// Conn owns one device transport exclusively. Identity is bound after the
// login frame; until then IMEI() returns "".
type Conn struct {
	id          string
	alive       *alive.Alive
	err         helpers.AtomicError
	last        atomic_clock.Clock
	connectedAt time.Time
	net         net.Conn
	split       *wire.Splitter
	log         *log2.Log
	imei        atomic.Value // string
	wmu         sync.Mutex
}

func newConn(netConn net.Conn, markings []wire.Marking, readLimit int, log *log2.Log) *Conn {
	c := &Conn{
		id:          uuid.NewString(),
		alive:       alive.NewAlive(),
		connectedAt: time.Now(),
		net:         netConn,
		split:       wire.NewSplitter(markings, readLimit),
		log:         log,
	}
	c.imei.Store("")
	if tcp, ok := netConn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(false)
		_ = tcp.SetLinger(0)
		_ = tcp.SetReadBuffer(16 << 10)
		_ = tcp.SetWriteBuffer(16 << 10)
	}
	c.last.SetNow()
	return c
}

func (c *Conn) ID() string       { return c.id }
func (c *Conn) IMEI() string     { return c.imei.Load().(string) }
func (c *Conn) setIMEI(s string) { c.imei.Store(s) }

func (c *Conn) RemoteAddr() net.Addr         { return c.net.RemoteAddr() }
func (c *Conn) ConnectedAt() time.Time       { return c.connectedAt }
func (c *Conn) SinceLastRecv() time.Duration { return atomic_clock.Since(&c.last) }
func (c *Conn) LastActivity() time.Time      { return time.Now().Add(-atomic_clock.Since(&c.last)) }
func (c *Conn) Done() <-chan struct{}        { return c.alive.StopChan() }

func (c *Conn) Closed() bool {
	_, ok := c.err.Load()
	return ok
}

func (c *Conn) Close() error { return c.die(ErrClosing) }

// Send writes raw bytes to the device. Concurrent senders are serialized;
// a write error poisons the connection.
func (c *Conn) Send(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.Closed() {
		return ErrClosing
	}
	if err := helpers.WriteAll(c.net, b); err != nil {
		_ = c.die(err)
		return err
	}
	return nil
}

func (c *Conn) String() string {
	return fmt.Sprintf("(remote=%s id=%s imei=%s)", addrString(c.RemoteAddr()), c.id, c.IMEI())
}

func (c *Conn) die(e error) error {
	if err, found := c.err.StoreOnce(e); found {
		return err
	}
	c.alive.Stop()
	_ = c.net.Close()

	// reformat some well known errors for easier log reading
	estr := e.Error()
	if neterr, ok := e.(net.Error); ok && neterr.Timeout() {
		estr = "timeout"
	} else if strings.HasSuffix(estr, "i/o timeout") {
		estr = "timeout"
	} else if strings.HasSuffix(estr, "connection reset by peer") {
		estr = "closed by remote"
	}
	c.log.Debugf("die +close id=%s imei=%s remote=%s e=%s", c.id, c.IMEI(), addrString(c.RemoteAddr()), estr)
	return e
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
