package rtps

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

// DatagramReceiver is what a transport drives: DataLink satisfies it.
type DatagramReceiver interface {
	ReceiveDatagram(remote *net.UDPAddr, message []byte)
	Update(now time.Time)
}

// UDPTransport owns a unicast socket and optionally a multicast group
// membership. Run is the single loop that feeds received messages and clock
// ticks to the receiver.
type UDPTransport struct {
	name        string
	maxDatagram int
	tick        time.Duration

	conn   *net.UDPConn
	mconn  *net.UDPConn
	mpc    *ipv4.PacketConn
	group  *net.UDPAddr
	closed chan struct{}
}

type datagram struct {
	from    *net.UDPAddr
	message []byte
}

const multicastTTL = 1

// ListenUDP binds Config.UnicastAddress and joins Config.MulticastGroup when
// it is set.
func ListenUDP(config *Config) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", config.UnicastAddress)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", config.UnicastAddress)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", laddr)
	}
	t := &UDPTransport{
		name:        config.Name,
		maxDatagram: config.MaxDatagramSize,
		tick:        config.HeartbeatPeriod.Duration / 4,
		conn:        conn,
		closed:      make(chan struct{}),
	}
	if t.tick <= 0 {
		t.tick = 50 * time.Millisecond
	}
	if config.MulticastGroup != "" {
		if err := t.joinGroup(config.MulticastGroup, config.MulticastInterface); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return t, nil
}

func (t *UDPTransport) joinGroup(group, iface string) error {
	gaddr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return errors.Wrapf(err, "resolving multicast group %s", group)
	}
	if !gaddr.IP.IsMulticast() {
		return errors.Errorf("%s is not a multicast address", group)
	}
	var ifi *net.Interface
	if iface != "" {
		if ifi, err = net.InterfaceByName(iface); err != nil {
			return errors.Wrapf(err, "multicast interface %s", iface)
		}
	}

	mconn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: gaddr.Port})
	if err != nil {
		return errors.Wrapf(err, "listening on multicast port %d", gaddr.Port)
	}
	pc := ipv4.NewPacketConn(mconn)
	if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: gaddr.IP}); err != nil {
		mconn.Close()
		return errors.Wrapf(err, "joining %s", gaddr.IP)
	}
	if ifi != nil {
		if err := pc.SetMulticastInterface(ifi); err != nil {
			mconn.Close()
			return errors.Wrapf(err, "setting multicast interface %s", ifi.Name)
		}
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		mconn.Close()
		return errors.Wrap(err, "enabling multicast loopback")
	}
	if err := pc.SetMulticastTTL(multicastTTL); err != nil {
		mconn.Close()
		return errors.Wrap(err, "setting multicast ttl")
	}
	t.mconn, t.mpc, t.group = mconn, pc, gaddr
	log.Infof("[%s] joined multicast group %s", t.name, gaddr)
	return nil
}

func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Group returns the joined multicast group, or nil.
func (t *UDPTransport) Group() *net.UDPAddr {
	return t.group
}

// Send writes one message. It has the signature of Config.TransmitFunction.
// Multicast destinations go out through the group socket.
func (t *UDPTransport) Send(to *net.UDPAddr, message []byte) {
	var err error
	if to.IP.IsMulticast() && t.mpc != nil {
		_, err = t.mpc.WriteTo(message, nil, to)
	} else {
		_, err = t.conn.WriteToUDP(message, to)
	}
	if err != nil {
		log.Errorf("[%s] sending %d bytes to %s: %v", t.name, len(message), to, err)
	}
}

// Run delivers received messages and clock ticks to r from one goroutine
// until ctx is done or a socket fails. It closes the transport on return.
func (t *UDPTransport) Run(ctx context.Context, r DatagramReceiver) error {
	incoming := make(chan datagram, 256)
	errs := make(chan error, 2)

	go t.readLoop(t.conn, incoming, errs)
	if t.mconn != nil {
		go t.readLoop(t.mconn, incoming, errs)
	}
	defer t.Close()

	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return err
		case d := <-incoming:
			r.ReceiveDatagram(d.from, d.message)
		case now := <-ticker.C:
			r.Update(now)
		}
	}
}

func (t *UDPTransport) readLoop(conn *net.UDPConn, incoming chan<- datagram, errs chan<- error) {
	for {
		buf := make([]byte, t.maxDatagram)
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closed:
			default:
				errs <- errors.Wrapf(err, "reading from %s", conn.LocalAddr())
			}
			return
		}
		select {
		case incoming <- datagram{from, buf[:n]}:
		case <-t.closed:
			return
		}
	}
}

func (t *UDPTransport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
	}
	close(t.closed)
	if t.mconn != nil {
		t.mconn.Close()
	}
	return t.conn.Close()
}
