package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	reuseport "github.com/libp2p/go-reuseport"
	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
)

const DefaultGroup = "239.1.1.1:1111"

type Config struct {
	// Group is the multicast group address and port shared by every instance.
	Group string
	// Interface optionally names the network interface to join on. Empty lets the OS pick.
	Interface string
	TTL       int
}

func DefaultConfig() Config {
	return Config{Group: DefaultGroup, TTL: 1}
}

type Opt func(*Multicast)

func WithLogger(logger zerolog.Logger) Opt {
	return func(m *Multicast) {
		m.logger = logger
	}
}

// Multicast is a UDP socket joined to a multicast group. The port is bound with SO_REUSEPORT so that
// several instances on one host can share it.
type Multicast struct {
	cfg    Config
	logger zerolog.Logger
	group  *net.UDPAddr

	mu     sync.RWMutex
	pc     net.PacketConn
	conn   *ipv4.PacketConn
	closed bool
}

func Listen(cfg Config, opts ...Opt) (*Multicast, error) {
	group, err := net.ResolveUDPAddr("udp4", cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %w", ErrBind, cfg.Group, err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("%w: %s is not a multicast address", ErrBind, group.IP)
	}
	m := &Multicast{cfg: cfg, logger: zerolog.Nop(), group: group}
	for _, opt := range opts {
		opt(m)
	}
	pc, conn, err := m.open()
	if err != nil {
		return nil, err
	}
	m.pc, m.conn = pc, conn
	m.logger.Info().Str("group", group.String()).Str("interface", cfg.Interface).Msg("joined multicast group")
	return m, nil
}

func (m *Multicast) open() (net.PacketConn, *ipv4.PacketConn, error) {
	var ifi *net.Interface
	if m.cfg.Interface != "" {
		var err error
		if ifi, err = net.InterfaceByName(m.cfg.Interface); err != nil {
			return nil, nil, fmt.Errorf("%w: interface %q: %w", ErrBind, m.cfg.Interface, err)
		}
	}
	pc, err := reuseport.ListenPacket("udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(m.group.Port)))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrBind, err)
	}
	conn := ipv4.NewPacketConn(pc)
	if err := m.configure(conn, ifi); err != nil {
		_ = pc.Close()
		return nil, nil, fmt.Errorf("%w: %w", ErrBind, err)
	}
	return pc, conn, nil
}

func (m *Multicast) configure(conn *ipv4.PacketConn, ifi *net.Interface) error {
	if err := conn.JoinGroup(ifi, &net.UDPAddr{IP: m.group.IP}); err != nil {
		return fmt.Errorf("join group: %w", err)
	}
	if ifi != nil {
		if err := conn.SetMulticastInterface(ifi); err != nil {
			return fmt.Errorf("set interface: %w", err)
		}
	}
	ttl := m.cfg.TTL
	if ttl <= 0 {
		ttl = 1
	}
	if err := conn.SetMulticastTTL(ttl); err != nil {
		return fmt.Errorf("set ttl: %w", err)
	}
	// other instances on this host receive through loopback
	if err := conn.SetMulticastLoopback(true); err != nil {
		return fmt.Errorf("set loopback: %w", err)
	}
	return nil
}

func (m *Multicast) Send(b []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	if _, err := m.conn.WriteTo(b, nil, m.group); err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	return nil
}

func (m *Multicast) Receive(buf []byte, deadline time.Time) (int, error) {
	m.mu.RLock()
	conn, closed := m.conn, m.closed
	m.mu.RUnlock()
	if closed {
		return 0, ErrClosed
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrReceive, err)
	}
	n, _, _, err := conn.ReadFrom(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, ErrTimeout
		}
		if errors.Is(err, net.ErrClosed) {
			m.mu.RLock()
			defer m.mu.RUnlock()
			if m.closed {
				return 0, ErrClosed
			}
		}
		return 0, fmt.Errorf("%w: %w", ErrReceive, err)
	}
	return n, nil
}

// Reopen replaces the socket with a freshly bound one. The old socket is only closed once the new one
// is ready, so a failed reopen leaves the transport as it was.
func (m *Multicast) Reopen() error {
	pc, conn, err := m.open()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = pc.Close()
		return ErrClosed
	}
	old := m.pc
	m.pc, m.conn = pc, conn
	m.logger.Warn().Str("group", m.group.String()).Msg("reopened multicast socket")
	return old.Close()
}

func (m *Multicast) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	_ = m.conn.LeaveGroup(nil, &net.UDPAddr{IP: m.group.IP})
	return m.pc.Close()
}
