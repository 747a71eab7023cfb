package server

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/cr14-rfid/internal/device"
	"github.com/shaunagostinho/cr14-rfid/internal/protocol"
)

// Server exposes the device to network clients. At most one WebSocket
// session holds the device at a time.
type Server struct {
	cfg   *Config
	dev   *device.Device
	webFS fs.FS

	upgrader websocket.Upgrader
}

// New creates a server for dev. webFS holds the status page assets and
// may be nil.
func New(cfg *Config, dev *device.Device, webFS fs.FS) *Server {
	return &Server{
		cfg:   cfg,
		dev:   dev,
		webFS: webFS,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router returns the HTTP handler with every route installed.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/config", s.handleConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/uid/{uid}", s.handleUID).Methods(http.MethodGet)
	if s.webFS != nil {
		r.PathPrefix("/").Handler(http.FileServer(http.FS(s.webFS)))
	}
	r.Use(s.basicAuth)
	return r
}

// Run serves HTTP until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass := s.cfg.Server.Username, s.cfg.Server.Password
		if user == "" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
			subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="cr14d"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleWS opens the device and bridges it to a WebSocket. Binary messages
// carry the byte stream in both directions.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	var readOnly bool
	switch r.URL.Query().Get("mode") {
	case "", "ro":
		readOnly = true
	case "rw":
	default:
		http.Error(w, "mode must be ro or rw", http.StatusBadRequest)
		return
	}

	h, err := s.dev.Open(readOnly)
	if err != nil {
		if errors.Is(err, device.ErrBusy) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		h.Close()
		return
	}
	log.Printf("[ws] client %s connected (read-only=%v)", r.RemoteAddr, readOnly)

	done := make(chan struct{})

	// device -> client
	go func() {
		defer close(done)
		buf := make([]byte, 1024)
		for {
			n, err := h.Read(buf)
			if err != nil {
				if !errors.Is(err, device.ErrClosed) {
					log.Printf("[ws] read: %v", err)
				}
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
				return
			}
		}
	}()

	// client -> device
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if err := writeAll(h, data); err != nil {
			log.Printf("[ws] write: %v", err)
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			break
		}
	}

	h.Close()
	<-done
	conn.Close()
	log.Printf("[ws] client %s disconnected", r.RemoteAddr)
}

// writeAll feeds p to h. Misuse errors only cost the offending bytes, so
// writing carries on with the rest.
func writeAll(h *device.Handle, p []byte) error {
	for len(p) > 0 {
		n, err := h.Write(p)
		p = p[n:]
		if err != nil {
			var me *protocol.MisuseError
			if !errors.As(err, &me) {
				return err
			}
		}
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.dev.Status())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	data, err := s.cfg.ToJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// UIDInfo is the decoded form of a tag UID.
type UIDInfo struct {
	UID          protocol.UID `json:"uid"`
	Valid        bool         `json:"valid"`
	Manufacturer string       `json:"manufacturer,omitempty"`
	Model        string       `json:"model,omitempty"`
	Serial       string       `json:"serial"`
}

func DescribeUID(uid protocol.UID) UIDInfo {
	model, serial := uid.Model()
	return UIDInfo{
		UID:          uid,
		Valid:        uid.ValidPrefix(),
		Manufacturer: uid.Manufacturer(),
		Model:        model,
		Serial:       hex.EncodeToString(serial),
	}
}

func (s *Server) handleUID(w http.ResponseWriter, r *http.Request) {
	uid, err := protocol.ParseUID(mux.Vars(r)["uid"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, DescribeUID(uid))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
