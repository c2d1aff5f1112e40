package transport

import "net"

// Sender abstracts the datagram transport a Conn writes encoded packets
// to and reads raw datagrams from. The default implementation wraps a
// net.PacketConn so production code talks real UDP; tests can supply an
// in-memory Sender to drive a connection without a socket.
type Sender interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
	ReadFrom(b []byte) (int, net.Addr, error)
	LocalAddr() net.Addr
	Close() error
}

// udpSender is the default Sender, backed by a real UDP socket.
type udpSender struct {
	conn *net.UDPConn
}

// NewUDPSender dials addr over UDP and returns a Sender ready for use by
// Connect.
func NewUDPSender(addr string) (Sender, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, newError(InvalidArgument, err.Error())
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, newError(InternalError, err.Error())
	}
	return &udpSender{conn: conn}, nil
}

func (s *udpSender) WriteTo(b []byte, addr net.Addr) (int, error) {
	return s.conn.Write(b)
}

func (s *udpSender) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := s.conn.Read(b)
	return n, s.conn.RemoteAddr(), err
}

func (s *udpSender) LocalAddr() net.Addr { return s.conn.LocalAddr() }

func (s *udpSender) Close() error { return s.conn.Close() }
