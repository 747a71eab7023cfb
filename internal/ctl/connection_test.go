package ctl

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionURL(t *testing.T) {
	tests := []struct {
		raw       string
		readWrite bool
		want      string
		wantErr   bool
	}{
		{"ws://reader:8080", false, "ws://reader:8080/ws?mode=ro", false},
		{"ws://reader:8080/", true, "ws://reader:8080/ws?mode=rw", false},
		{"wss://reader/ws", true, "wss://reader/ws?mode=rw", false},
		{"http://reader:8080", false, "ws://reader:8080/ws?mode=ro", false},
		{"https://reader", true, "wss://reader/ws?mode=rw", false},
		{"ws://reader/ws?mode=ro", true, "ws://reader/ws?mode=ro", false},
		{"ws://reader/ws?mode=admin", true, "", true},
		{"tcp://reader:8080", false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := sessionURL(tt.raw, tt.readWrite)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDialBusyReader(t *testing.T) {
	url, _ := newTestDaemon(t, nil)
	target, err := sessionURL(url, true)
	require.NoError(t, err)

	first, err := dialSession(target, "", "", false)
	require.NoError(t, err)
	defer first.Close()

	_, err = dialSession(target, "", "", false)
	assert.ErrorIs(t, err, ErrReaderBusy)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		s, err := dialSession(target, "", "", false)
		if err != nil {
			return false
		}
		s.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

// echoDaemon answers every binary message with msgs, then closes with code.
func echoDaemon(t *testing.T, msgs [][]byte, code int, reason string) string {
	t.Helper()
	up := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteMessage(websocket.TextMessage, []byte("ignored"))
		for _, m := range msgs {
			ws.WriteMessage(websocket.BinaryMessage, m)
		}
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		ws.ReadMessage()
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestSessionStreamsMessages(t *testing.T) {
	url := echoDaemon(t, [][]byte{{'u', 1, 2}, {3, 4, 5, 6, 7, 8}}, websocket.CloseNormalClosure, "")
	s, err := dialSession(url, "", "", false)
	require.NoError(t, err)
	defer s.Close()

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, []byte{'u', 1, 2, 3, 4, 5, 6, 7, 8}, got)
}

func TestSessionClosedByDaemon(t *testing.T) {
	url := echoDaemon(t, nil, websocket.ClosePolicyViolation, "device closed")
	s, err := dialSession(url, "", "", false)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorContains(t, err, "device closed")
}

func TestSessionCloseTwice(t *testing.T) {
	url := echoDaemon(t, nil, websocket.CloseNormalClosure, "")
	s, err := dialSession(url, "", "", false)
	require.NoError(t, err)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestReadPassword(t *testing.T) {
	t.Setenv("CR14_PASSWORD", "from-env")
	pw, err := readPassword(os.Stdin, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "from-env", pw)

	os.Unsetenv("CR14_PASSWORD")
	path := filepath.Join(t.TempDir(), "pw")
	require.NoError(t, os.WriteFile(path, []byte("piped\r\n"), 0600))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	pw, err = readPassword(f, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "piped", pw)

	empty, err := os.Open(os.DevNull)
	require.NoError(t, err)
	defer empty.Close()
	_, err = readPassword(empty, io.Discard)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestFlagsExclusive(t *testing.T) {
	_, _, err := runCtl(t, "--url", "ws://reader", "--port", "/dev/null", "uid")
	assert.ErrorContains(t, err, "mutually exclusive")
}
