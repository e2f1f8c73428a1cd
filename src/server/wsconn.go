package server

import (
	"time"

	"github.com/fasthttp/websocket"
)

const writeTimeout = 5 * time.Second

// readLimitFactor sizes the transport-level read guard relative to the
// application message cap. Frames inside the guard but over the cap get a
// per-message error reply; frames beyond it kill the connection.
const readLimitFactor = 4

// wsConn adapts fasthttp/websocket.Conn to types.Conn.
type wsConn struct {
	conn *websocket.Conn
}

func newWSConn(conn *websocket.Conn, maxMessageBytes int) *wsConn {
	conn.SetReadLimit(int64(maxMessageBytes * readLimitFactor))
	return &wsConn{conn: conn}
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *wsConn) WriteMessage(data []byte) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Ping() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (w *wsConn) SetPongHandler(fn func()) {
	w.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

func (w *wsConn) WriteClose(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	return w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

func (w *wsConn) Close() error { return w.conn.Close() }
