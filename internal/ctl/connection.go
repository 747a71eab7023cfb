package ctl

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"
)

// Connection is a byte stream to one reader session.
type Connection interface {
	io.ReadWriteCloser
}

var (
	// ErrReaderBusy means another client holds the reader's only session.
	ErrReaderBusy = errors.New("reader is in use by another client")

	// ErrSessionClosed is returned by reads after the session ended.
	ErrSessionClosed = errors.New("session closed")
)

const (
	dialTimeout = 15 * time.Second
	closeGrace  = time.Second
)

// Dial opens a session as selected by the connection flags and returns it
// with a one-line description for the user.
func Dial(readWrite bool) (Connection, string, error) {
	switch {
	case wsURL != "":
		password := ""
		if wsUsername != "" {
			var err error
			if password, err = readPassword(os.Stdin, os.Stderr); err != nil {
				return nil, "", err
			}
		}
		target, err := sessionURL(wsURL, readWrite)
		if err != nil {
			return nil, "", err
		}
		conn, err := dialSession(target, wsUsername, password, wsNoSSLVerify)
		if err != nil {
			return nil, "", err
		}
		return conn, "WebSocket: " + wsURL, nil

	case portName != "":
		port, err := serial.Open(portName, &serial.Mode{BaudRate: baudRate, DataBits: 8})
		if err != nil {
			return nil, "", fmt.Errorf("open %s: %w", portName, err)
		}
		return port, fmt.Sprintf("Serial: %s @ %d baud", portName, baudRate), nil
	}
	return nil, "", errors.New("either --port or --url must be specified")
}

// sessionURL points raw at the daemon's /ws endpoint and selects the
// session mode unless raw already names one. http and https map to ws and
// wss.
func sessionURL(raw string, readWrite bool) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported URL scheme %q (use ws:// or wss://)", u.Scheme)
	}
	if strings.Trim(u.Path, "/") == "" {
		u.Path = "/ws"
	}

	q := u.Query()
	switch q.Get("mode") {
	case "":
		mode := "ro"
		if readWrite {
			mode = "rw"
		}
		q.Set("mode", mode)
		u.RawQuery = q.Encode()
	case "ro", "rw":
	default:
		return "", fmt.Errorf("invalid session mode %q (use ro or rw)", q.Get("mode"))
	}
	return u.String(), nil
}

func dialSession(target, username, password string, insecure bool) (*wsSession, error) {
	d := websocket.Dialer{HandshakeTimeout: dialTimeout}
	if strings.HasPrefix(target, "wss:") {
		d.TLSClientConfig = &tls.Config{InsecureSkipVerify: insecure}
	}

	header := http.Header{}
	if username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		header.Set("Authorization", "Basic "+creds)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	ws, resp, err := d.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp == nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		switch resp.StatusCode {
		case http.StatusConflict:
			return nil, ErrReaderBusy
		case http.StatusUnauthorized:
			return nil, fmt.Errorf("connect: HTTP 401: wrong username or password")
		default:
			return nil, fmt.Errorf("connect: HTTP %d: %w", resp.StatusCode, err)
		}
	}
	return &wsSession{ws: ws}, nil
}

// wsSession streams the payload of consecutive binary messages.
type wsSession struct {
	ws  *websocket.Conn
	cur io.Reader

	closeOnce sync.Once
}

func (s *wsSession) Read(p []byte) (int, error) {
	for {
		if s.cur != nil {
			n, err := s.cur.Read(p)
			if err == io.EOF {
				s.cur = nil
				err = nil
			}
			if n > 0 || err != nil {
				return n, err
			}
			continue
		}

		mt, r, err := s.ws.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return 0, fmt.Errorf("%w: %s", ErrSessionClosed, ce.Text)
			}
			return 0, err
		}
		if mt == websocket.BinaryMessage {
			s.cur = r
		}
	}
}

func (s *wsSession) Write(p []byte) (int, error) {
	if err := s.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close says goodbye to the daemon, which then releases the reader.
func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		bye := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.ws.WriteControl(websocket.CloseMessage, bye, time.Now().Add(closeGrace))
		err = s.ws.Close()
	})
	return err
}

// readPassword takes CR14_PASSWORD from the environment, or asks on the
// terminal without echo. Piped input is read as one line.
func readPassword(in *os.File, prompt io.Writer) (string, error) {
	if pw, ok := os.LookupEnv("CR14_PASSWORD"); ok {
		return pw, nil
	}

	fmt.Fprint(prompt, "Password: ")
	defer fmt.Fprintln(prompt)

	if fd := int(in.Fd()); term.IsTerminal(fd) {
		pw, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(pw), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
