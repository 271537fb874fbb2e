// Package server is the visualization sink: it serves the latest live frame
// and pump status to browsers and turns UI actions into pump control flags.
package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io/fs"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nfnt/resize"
	"github.com/sirupsen/logrus"

	"rgbd-replay-go/internal/pump"
	"rgbd-replay-go/internal/types"
)

//go:embed web/*
var webFS embed.FS

type Options struct {
	Port int
	// UIRate is how often websocket clients get a new frame and status.
	UIRate time.Duration
	// PreviewWidth scales live frames down before they are sent. Zero
	// sends them at full size.
	PreviewWidth int
}

type Server struct {
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]*sync.Mutex
	mu       sync.Mutex
	opts     Options
	control  *pump.ControlState
	statusFn func() map[string]any

	frameMu      sync.Mutex
	latest       *image.Gray
	frameSeq     uint64
	width        int
	height       int
	engineStatus map[string]any
	resetPending bool

	done     chan struct{}
	stopOnce sync.Once
}

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

func New(opts Options, control *pump.ControlState, statusFn func() map[string]any) *Server {
	if opts.UIRate <= 0 {
		opts.UIRate = 100 * time.Millisecond
	}
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:  make(map[*websocket.Conn]*sync.Mutex),
		opts:     opts,
		control:  control,
		statusFn: statusFn,
		done:     make(chan struct{}),
	}
}

// Reset drops the displayed frame and engine status. Clients are told on
// the next broadcast tick.
func (s *Server) Reset() {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	s.latest = nil
	s.frameSeq = 0
	s.engineStatus = nil
	s.resetPending = true
}

func (s *Server) SetImageSize(width, height int) {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	s.width = width
	s.height = height
}

// PublishLiveFrame replaces the displayed frame. The image must not be
// modified afterwards.
func (s *Server) PublishLiveFrame(img *image.Gray) {
	if img == nil {
		return
	}
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	s.latest = img
	s.frameSeq++
}

func (s *Server) PublishEngineStatus(status map[string]any) {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	s.engineStatus = status
}

// Done is closed once the user ends the session.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *Server) Handler() (http.Handler, error) {
	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(sub)))
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/api/reset", s.handleReset)
	mux.HandleFunc("/api/processing", s.handleProcessing)
	mux.HandleFunc("/api/stop", s.handleStop)
	return mux, nil
}

// Run serves the UI and blocks until the session ends or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()

	broadcastCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.broadcast(broadcastCtx)

	logrus.WithField("addr", listener.Addr().String()).Info("ui listening")

	select {
	case <-ctx.Done():
	case <-s.done:
		logrus.Info("session ended from ui")
	case err := <-serveErr:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	s.closeClients()
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.mu.Lock()
	writeMu := &sync.Mutex{}
	s.clients[conn] = writeMu
	s.mu.Unlock()

	_ = s.writeJSON(conn, writeMu, s.configPayload())

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := s.writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
		defer close(done)
		defer s.removeClient(conn)
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var request types.ControlMessage
			if err := json.Unmarshal(payload, &request); err != nil {
				continue
			}
			if request.Type == "snapshot_request" {
				if frame, ok := s.liveFrameMessage(); ok {
					_ = s.writeJSON(conn, writeMu, frame)
				}
				continue
			}
			s.applyControl(request)
		}
	}()
}

func (s *Server) applyControl(msg types.ControlMessage) {
	switch msg.Type {
	case "reset":
		s.control.RequestReset()
		logrus.Info("reset requested from ui")
	case "toggle_processing":
		enabled := s.control.ToggleProcessing()
		logrus.WithField("enabled", enabled).Info("processing toggled from ui")
	case "set_processing":
		if msg.Enabled != nil {
			s.control.SetProcessing(*msg.Enabled)
		}
	case "stop":
		s.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) configPayload() map[string]any {
	s.frameMu.Lock()
	width, height := s.width, s.height
	s.frameMu.Unlock()
	return map[string]any{
		"type":          "config",
		"image_width":   width,
		"image_height":  height,
		"preview_width": s.opts.PreviewWidth,
		"ui_rate_ms":    s.opts.UIRate.Milliseconds(),
		"port":          s.opts.Port,
		"processing":    s.control.ProcessingEnabled(),
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.configPayload())
}

func (s *Server) statusPayload() map[string]any {
	payload := map[string]any{}
	if s.statusFn != nil {
		payload = s.statusFn()
	}
	s.frameMu.Lock()
	if s.engineStatus != nil {
		payload["engine"] = s.engineStatus
	}
	payload["live_frames_total"] = s.frameSeq
	s.frameMu.Unlock()
	payload["processing"] = s.control.ProcessingEnabled()
	payload["ws_clients"] = s.clientCount()
	return payload
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.statusPayload())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.applyControl(types.ControlMessage{Type: "reset"})
	w.WriteHeader(http.StatusAccepted)
}

// handleProcessing sets processing from {"enabled": bool}, or toggles it
// when the body is empty.
func (s *Server) handleProcessing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	msg := types.ControlMessage{Type: "toggle_processing"}
	var body types.ControlMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Enabled != nil {
		msg = types.ControlMessage{Type: "set_processing", Enabled: body.Enabled}
	}
	s.applyControl(msg)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"processing": s.control.ProcessingEnabled()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.applyControl(types.ControlMessage{Type: "stop"})
	w.WriteHeader(http.StatusAccepted)
}

// liveFrameMessage encodes the latest frame as a PNG data URL, scaled to
// the preview width.
func (s *Server) liveFrameMessage() (types.LiveFrame, bool) {
	s.frameMu.Lock()
	img, seq := s.latest, s.frameSeq
	s.frameMu.Unlock()
	if img == nil {
		return types.LiveFrame{}, false
	}

	var scaled image.Image = img
	if w := s.opts.PreviewWidth; w > 0 && w < img.Bounds().Dx() {
		scaled = resize.Resize(uint(w), 0, img, resize.Bilinear)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		logrus.WithError(err).Debug("live frame encode failed")
		return types.LiveFrame{}, false
	}
	b := scaled.Bounds()
	return types.LiveFrame{
		Type:       "live_frame",
		SequenceID: seq,
		Width:      b.Dx(),
		Height:     b.Dy(),
		Image:      "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, true
}

func (s *Server) broadcast(ctx context.Context) {
	ticker := time.NewTicker(s.opts.UIRate)
	defer ticker.Stop()
	var sentSeq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.clientCount() == 0 {
			continue
		}

		s.frameMu.Lock()
		reset := s.resetPending
		s.resetPending = false
		seq := s.frameSeq
		s.frameMu.Unlock()

		if reset {
			sentSeq = 0
			s.send(map[string]any{"type": "reset"})
		}
		if seq != sentSeq {
			if frame, ok := s.liveFrameMessage(); ok {
				s.send(frame)
				sentSeq = frame.SequenceID
			}
		}
		status := s.statusPayload()
		status["type"] = "status"
		s.send(status)
	}
}

func (s *Server) send(message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		return
	}
	var stale []*websocket.Conn
	s.mu.Lock()
	for conn, writeMu := range s.clients {
		if err := s.writeMessage(conn, writeMu, websocket.TextMessage, payload); err != nil {
			stale = append(stale, conn)
		}
	}
	s.mu.Unlock()
	for _, conn := range stale {
		s.removeClient(conn)
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.Close()
		delete(s.clients, conn)
	}
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) writeJSON(conn *websocket.Conn, writeMu *sync.Mutex, payload any) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(payload)
}

func (s *Server) writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
