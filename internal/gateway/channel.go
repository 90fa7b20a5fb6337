package gateway

import (
	"encoding/hex"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/burrownet/burrow/internal/frame"
	"github.com/burrownet/burrow/internal/util"
)

// mintQuid returns a server-side unique data-channel id: a random 128-bit
// id, hex-encoded. The quid is opaque to everything downstream.
func mintQuid() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// handleChannel upgrades an overlay peer connection into a data-channel
// session. Every inbound message becomes a datachannel frame tagged with
// the session's quid; when the peer disconnects, a terminal frame carrying
// the close status ends the quid's life.
func (g *Gateway) handleChannel(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	quid := mintQuid()
	g.mu.Lock()
	g.channels[quid] = conn
	g.mu.Unlock()
	util.LogDebug("gateway :%d new channel %s from %s", g.port, quid, conn.RemoteAddr())

	defer func() {
		g.mu.Lock()
		_, live := g.channels[quid]
		delete(g.channels, quid)
		g.mu.Unlock()
		conn.Close()

		// A session torn down by Close needs no terminal frame: the whole
		// tunnel is going away.
		if live {
			code, message := closeStatus(err)
			g.emit(frame.TerminalFrame(quid, code, message))
			util.LogDebug("gateway :%d channel %s closed (%d %q)", g.port, quid, code, message)
		}
	}()

	for {
		var mt int
		var data []byte
		mt, data, err = conn.ReadMessage()
		if err != nil {
			return
		}
		g.emit(frame.DataChannel(quid, mt == websocket.BinaryMessage, data))
	}
}

// closeStatus maps a read error to the {code, message} pair reported in the
// terminal frame.
func closeStatus(err error) (int, string) {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code, ce.Text
	}
	if err != nil {
		return websocket.CloseAbnormalClosure, err.Error()
	}
	return websocket.CloseNormalClosure, ""
}
