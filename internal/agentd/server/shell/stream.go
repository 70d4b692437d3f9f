package shell

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
)

// Stream message types exchanged on /shell/stream.
const (
	MessageTypeInput     = "input"
	MessageTypeResize    = "resize"
	MessageTypePing      = "ping"
	MessageTypeOutput    = "output"
	MessageTypePong      = "pong"
	MessageTypeConnected = "connected"
)

// StreamMessage is the envelope for both directions of the shell stream.
type StreamMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// Bridge pumps a websocket connection into the session and back until
// either side closes. The caller owns the upgrade and the connection close.
func Bridge(conn *websocket.Conn, sess *Session, log *logger.Logger) {
	log = log.WithFields(zap.String("component", "shell-stream"))

	// Gorilla allows one writer at a time; pong replies come from the
	// read goroutine while output comes from this one.
	var writeMu sync.Mutex
	writeJSON := func(msg StreamMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(msg)
	}

	outCh := make(chan []byte, 256)
	sess.Subscribe(outCh)
	defer sess.Unsubscribe(outCh)

	if err := writeJSON(StreamMessage{Type: MessageTypeConnected}); err != nil {
		return
	}
	// Replay retained output so a new viewer sees the recent screen.
	if back := sess.Scrollback(); len(back) > 0 {
		if err := writeJSON(StreamMessage{Type: MessageTypeOutput, Data: string(back)}); err != nil {
			return
		}
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			var msg StreamMessage
			if err := conn.ReadJSON(&msg); err != nil {
				log.Debug("shell stream read ended", zap.Error(err))
				return
			}
			switch msg.Type {
			case MessageTypeInput:
				if _, err := sess.Write([]byte(msg.Data)); err != nil {
					log.Debug("shell write failed", zap.Error(err))
				}
			case MessageTypeResize:
				if err := sess.Resize(msg.Cols, msg.Rows); err != nil {
					log.Debug("shell resize failed", zap.Error(err))
				}
			case MessageTypePing:
				if err := writeJSON(StreamMessage{Type: MessageTypePong}); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-readDone:
			return
		case chunk := <-outCh:
			if err := writeJSON(StreamMessage{Type: MessageTypeOutput, Data: string(chunk)}); err != nil {
				log.Debug("shell stream write ended", zap.Error(err))
				return
			}
		}
	}
}
