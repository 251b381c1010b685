package inspect

import (
	"context"

	"github.com/guseggert/execbus/agent/process"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type wsJSONWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn
}

// writeChunk sends c, split into several messages if its data would not fit the peer's read limit.
// Split messages share the chunk's index.
func (w *wsJSONWriter) writeChunk(c process.Chunk) error {
	// base64 grows the data by a third, and the rest of the message needs room too
	writeLimit := readLimit / 2
	data := c.Data
	for {
		toWrite := data
		more := len(data) > writeLimit
		if more {
			toWrite = data[:writeLimit]
			data = data[writeLimit:]
		}
		msg := OutputMessage{Index: c.Index, Stream: string(c.Stream), Data: toWrite, Time: c.Time}
		if err := wsjson.Write(w.ctx, w.conn, &msg); err != nil {
			return err
		}
		if !more {
			w.log.Debugf("wrote chunk %d (%d bytes)", c.Index, len(c.Data))
			return nil
		}
	}
}

func (w *wsJSONWriter) writeDone(status process.Status, exitCode int) error {
	msg := OutputMessage{Done: true, Status: string(status), ExitCode: exitCode}
	err := wsjson.Write(w.ctx, w.conn, &msg)
	w.log.Debugw("wrote final message", "Status", status, "ExitCode", exitCode, "Error", err)
	return err
}
