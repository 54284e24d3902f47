package relayd

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meeple/relay"
	"meeple/store"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20
)

// Server is the Echo application fronting the relay: the websocket frame
// endpoint, the request/response join path, status, and metrics.
type Server struct {
	echo     *echo.Echo
	manager  *Manager
	upgrader websocket.Upgrader
}

// New constructs the relay server. st may be nil to disable
// store-and-forward.
func New(st *store.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	reg := prometheus.NewRegistry()
	s := &Server{
		echo:    e,
		manager: NewManager(st, NewMetrics(reg)),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}

	e.GET("/frames", s.handleFrames)
	e.POST("/join", s.handleJoin)
	e.GET("/status", s.handleStatus)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	return s
}

// Echo exposes the underlying Echo instance for tests and for main.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start serves on addr until the listener fails.
func (s *Server) Start(addr string) error {
	slog.Info("relayd listening", "addr", addr)
	return s.echo.Start(addr)
}

// handleFrames upgrades one device connection and pumps relay frames until
// it drops.
func (s *Server) handleFrames(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	s.serveConn(conn, c.RealIP())
	return nil
}

func (s *Server) serveConn(conn *websocket.Conn, remote string) {
	defer conn.Close()
	conn.SetReadLimit(readLimit)

	sink := func(frame []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.BinaryMessage, frame)
	}

	var dev *Device
	defer func() {
		if dev != nil {
			s.manager.Disconnect(dev)
		}
	}()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		next, err := s.manager.HandleFrame(data, sink, dev)
		if err != nil {
			slog.Debug("frame rejected", "remote", remote, "err", err)
			continue
		}
		dev = next
	}
}

// joinRequest is the request/response alternate to the framed Connect.
type joinRequest struct {
	DevID  string `json:"dev_id"`
	Room   string `json:"room"`
	NHere  uint8  `json:"here"`
	NTotal uint8  `json:"total"`
	Seed   uint16 `json:"seed"`
	Lang   uint8  `json:"lang"`
}

type joinResponse struct {
	HostID   uint8  `json:"host_id"`
	CookieID uint16 `json:"cookie_id"`
	ConnName string `json:"conn_name"`
	NHere    uint8  `json:"here"`
	NSought  uint8  `json:"sought"`
	Denied   string `json:"denied,omitempty"`
}

// handleJoin performs the room join over plain request/response. The join
// runs with a capturing sink and the device is removed again before the
// response is written; it is expected to follow up with a websocket
// Reconnect carrying the assigned host identifier.
func (s *Server) handleJoin(c echo.Context) error {
	var req joinRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad join request")
	}
	if req.Room == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "room is required")
	}

	var denied relay.Reason
	var resp *relay.ConnectResp
	sink := func(frame []byte) error {
		f, err := relay.Decode(frame)
		if err != nil {
			return err
		}
		switch f.Op {
		case relay.OpConnectResp, relay.OpReconnectResp:
			resp = f.Resp
		case relay.OpConnectDenied:
			denied = f.Reason
		}
		return nil
	}

	dev, err := s.manager.HandleFrame((&relay.Connect{
		Proto:     relay.ProtoCurrent,
		Room:      req.Room,
		NHere:     req.NHere,
		NTotal:    req.NTotal,
		Seed:      req.Seed,
		Lang:      req.Lang,
		DevIDType: 1,
		DevID:     req.DevID,
	}).Encode(), sink, nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if resp == nil {
		return c.JSON(http.StatusOK, joinResponse{Denied: denied.String()})
	}
	// The join path holds no connection open; free the slot for the
	// follow-up Reconnect.
	s.manager.Disconnect(dev)

	return c.JSON(http.StatusOK, joinResponse{
		HostID:   resp.HostID,
		CookieID: resp.CookieID,
		ConnName: resp.ConnName,
		NHere:    resp.NHere,
		NSought:  resp.NSought,
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	rooms, devices := s.manager.Stats()
	return c.JSON(http.StatusOK, map[string]any{
		"rooms":   rooms,
		"devices": devices,
	})
}
