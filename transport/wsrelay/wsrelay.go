// Package wsrelay implements the relay transport kind: a websocket client
// that pumps relay control frames between the session and a relayd server.
// The payloads are opaque here; framing and the room conversation live in
// the core.
package wsrelay

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"meeple/addr"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20
)

// Driver is the websocket relay driver. It implements transport.Driver.
type Driver struct {
	url     string
	onFrame func(frame []byte, from addr.Address)

	// gorilla permits one concurrent writer; writes serialize on writeMu.
	writeMu sync.Mutex
	conn    *websocket.Conn

	closeOnce sync.Once
	done      chan struct{}
}

// URL builds the relayd frame endpoint for a relay endpoint record.
func URL(ep addr.RelayEndpoint) string {
	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", ep.Host, ep.Port), Path: "/frames"}
	return u.String()
}

// Dial connects to the relayd at ep and starts the read pump. Every inbound
// binary message is handed to onFrame with a relay-kind return address.
func Dial(ep addr.RelayEndpoint, onFrame func(frame []byte, from addr.Address)) (*Driver, error) {
	wsURL := URL(ep)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", wsURL, err)
	}
	conn.SetReadLimit(readLimit)

	d := &Driver{
		url:     wsURL,
		onFrame: onFrame,
		conn:    conn,
		done:    make(chan struct{}),
	}
	go d.readPump(ep)
	slog.Info("relay connected", "url", wsURL)
	return d, nil
}

func (d *Driver) readPump(ep addr.RelayEndpoint) {
	defer d.Close()
	for {
		typ, data, err := d.conn.ReadMessage()
		if err != nil {
			select {
			case <-d.done:
			default:
				slog.Info("relay read closed", "url", d.url, "err", err)
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		var from addr.Address
		from.Add(addr.KindRelay)
		from.Relay = ep
		d.onFrame(data, from)
	}
}

// Kind implements transport.Driver.
func (d *Driver) Kind() addr.Kind { return addr.KindRelay }

// Send writes one relay frame. The destination is implied by the dialed
// connection; to is unused beyond sanity.
func (d *Driver) Send(payload []byte, to *addr.Address, _ uint32) (int, error) {
	if to != nil && !to.Has(addr.KindRelay) {
		return -1, fmt.Errorf("wsrelay: address has no relay endpoint")
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.conn == nil {
		return -1, fmt.Errorf("wsrelay: closed")
	}
	_ = d.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := d.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return -1, fmt.Errorf("wsrelay: write: %w", err)
	}
	return len(payload), nil
}

// Close implements transport.Driver.
func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		d.writeMu.Lock()
		conn := d.conn
		d.conn = nil
		d.writeMu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}
