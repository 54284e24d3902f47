// Package quicdirect implements the direct-IP transport kind over QUIC. Both
// peers listen; whichever sends first dials. One bidirectional stream per
// peer carries length-prefixed frames. Peer identity is host:port as the
// game sees it, with a self-signed certificate; this transport moves a
// board game between consenting devices, not internet banking.
package quicdirect

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"meeple/addr"
)

const (
	dialTimeout  = 10 * time.Second
	certValidity = 30 * 24 * time.Hour
	maxFrame     = 1 << 20
)

// Driver is the direct-IP driver. It implements transport.Driver.
type Driver struct {
	onFrame func(frame []byte, from addr.Address)

	listener *quic.Listener
	tlsConf  *tls.Config

	mu    sync.Mutex
	peers map[string]*peerConn // host:port → open stream

	ctx    context.Context
	cancel context.CancelFunc
}

type peerConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	wmu    sync.Mutex
}

// Listen starts a driver bound to listenAddr (host:port; empty host binds
// all interfaces). Inbound frames are handed to onFrame with a direct-kind
// return address.
func Listen(listenAddr string, onFrame func(frame []byte, from addr.Address)) (*Driver, error) {
	tlsConf, fingerprint, err := generateTLSConfig(certValidity, "")
	if err != nil {
		return nil, err
	}

	ln, err := quic.ListenAddr(listenAddr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("quicdirect: listen %s: %w", listenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		onFrame:  onFrame,
		listener: ln,
		tlsConf:  tlsConf,
		peers:    make(map[string]*peerConn),
		ctx:      ctx,
		cancel:   cancel,
	}
	go d.acceptLoop()
	slog.Info("direct transport listening", "addr", ln.Addr().String(),
		"fingerprint", fingerprint[:16])
	return d, nil
}

// Kind implements transport.Driver.
func (d *Driver) Kind() addr.Kind { return addr.KindDirect }

func (d *Driver) acceptLoop() {
	for {
		conn, err := d.listener.Accept(d.ctx)
		if err != nil {
			return
		}
		go d.serveConn(conn)
	}
}

func (d *Driver) serveConn(conn *quic.Conn) {
	stream, err := conn.AcceptStream(d.ctx)
	if err != nil {
		return
	}
	remote := conn.RemoteAddr().String()
	d.mu.Lock()
	d.peers[remote] = &peerConn{conn: conn, stream: stream}
	d.mu.Unlock()
	d.readLoop(remote, stream)
}

func (d *Driver) readLoop(remote string, stream *quic.Stream) {
	defer func() {
		d.mu.Lock()
		delete(d.peers, remote)
		d.mu.Unlock()
	}()

	from := remoteToAddr(remote)
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(stream, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 || n > maxFrame {
			slog.Debug("direct frame length out of range", "len", n, "remote", remote)
			return
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(stream, frame); err != nil {
			return
		}
		d.onFrame(frame, from)
	}
}

func remoteToAddr(remote string) addr.Address {
	var a addr.Address
	a.Add(addr.KindDirect)
	if host, portStr, err := net.SplitHostPort(remote); err == nil {
		a.Direct.Host = host
		var port int
		fmt.Sscanf(portStr, "%d", &port)
		a.Direct.Port = uint16(port)
	}
	return a
}

// Send implements transport.Driver: dial-on-demand, then write one
// length-prefixed frame on the peer's stream.
func (d *Driver) Send(payload []byte, to *addr.Address, _ uint32) (int, error) {
	if to == nil || !to.Has(addr.KindDirect) {
		return -1, fmt.Errorf("quicdirect: address has no direct endpoint")
	}
	key := net.JoinHostPort(to.Direct.Host, fmt.Sprintf("%d", to.Direct.Port))

	pc, err := d.peer(key)
	if err != nil {
		return -1, err
	}

	pc.wmu.Lock()
	defer pc.wmu.Unlock()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := pc.stream.Write(lenBuf[:]); err == nil {
		_, err = pc.stream.Write(payload)
		if err == nil {
			return len(payload), nil
		}
	}
	// The stream died underneath us; forget the peer so the next send
	// redials.
	d.mu.Lock()
	delete(d.peers, key)
	d.mu.Unlock()
	return -1, fmt.Errorf("quicdirect: write to %s failed", key)
}

func (d *Driver) peer(key string) (*peerConn, error) {
	d.mu.Lock()
	if pc, ok := d.peers[key]; ok {
		d.mu.Unlock()
		return pc, nil
	}
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(d.ctx, dialTimeout)
	defer cancel()

	clientTLS := &tls.Config{
		InsecureSkipVerify: true, // self-signed peer certificates
		NextProtos:         []string{alpnProto},
	}
	conn, err := quic.DialAddr(ctx, key, clientTLS, nil)
	if err != nil {
		return nil, fmt.Errorf("quicdirect: dial %s: %w", key, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream")
		return nil, fmt.Errorf("quicdirect: stream to %s: %w", key, err)
	}

	pc := &peerConn{conn: conn, stream: stream}
	d.mu.Lock()
	d.peers[key] = pc
	d.mu.Unlock()
	go d.readLoop(key, stream)
	return pc, nil
}

// Close implements transport.Driver.
func (d *Driver) Close() error {
	d.cancel()
	d.mu.Lock()
	for key, pc := range d.peers {
		pc.conn.CloseWithError(0, "shutdown")
		delete(d.peers, key)
	}
	d.mu.Unlock()
	return d.listener.Close()
}
