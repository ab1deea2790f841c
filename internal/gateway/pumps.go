package gateway

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/poker-ws-gateway/internal/delivery"
	"github.com/adred-codev/poker-ws-gateway/internal/logging"
	"github.com/adred-codev/poker-ws-gateway/internal/registry"
)

const (
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

// readPump reads frames from conn until it errors or the client closes,
// then tears the connection down (§4.1, grounded on the teacher's
// readPump).
func (g *Gateway) readPump(conn *registry.Connection) {
	defer logging.RecoverPanic(g.log, "readPump", map[string]any{"connection_id": conn.ID})
	defer g.disconnect(conn, "read_error")

	conn.Conn.SetReadDeadline(time.Now().Add(readDeadline))

	for {
		msg, op, err := wsutil.ReadClientData(conn.Conn)
		if err != nil {
			return
		}
		conn.Conn.SetReadDeadline(time.Now().Add(readDeadline))
		conn.Touch(true)

		g.metrics.MessagesReceived.Inc()
		g.metrics.BytesReceived.Add(float64(len(msg)))

		switch op {
		case ws.OpText, ws.OpBinary:
			if op == ws.OpBinary && len(msg) > 0 && msg[0] == 0x01 {
				plain, gzErr := delivery.Gunzip(msg)
				if gzErr != nil {
					g.sendError(conn, "invalid message format")
					continue
				}
				msg = plain
			}
			g.dispatch(conn, msg)
		case ws.OpPong:
			conn.Touch(true)
		case ws.OpClose:
			return
		}
	}
}

// writePump drains conn's outbound channel, batching writes the way the
// teacher's writePump does, and sends a raw WS ping on every ticker tick.
func (g *Gateway) writePump(conn *registry.Connection) {
	defer logging.RecoverPanic(g.log, "writePump", map[string]any{"connection_id": conn.ID})

	writer := bufio.NewWriter(conn.Conn)
	ticker := time.NewTicker(readDeadline / 2)
	defer ticker.Stop()

	outbound := conn.Outbound()
	for {
		select {
		case message, ok := <-outbound:
			if !ok {
				wsutil.WriteServerMessage(conn.Conn, ws.OpClose, nil)
				return
			}
			conn.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))

			op := ws.OpText
			if len(message) > 0 && message[0] == 0x01 {
				op = ws.OpBinary
			}
			if err := wsutil.WriteServerMessage(writer, op, message); err != nil {
				return
			}

			n := len(outbound)
			sent := 1
			bytesOut := len(message)
			for i := 0; i < n; i++ {
				message = <-outbound
				op = ws.OpText
				if len(message) > 0 && message[0] == 0x01 {
					op = ws.OpBinary
				}
				if err := wsutil.WriteServerMessage(writer, op, message); err != nil {
					return
				}
				sent++
				bytesOut += len(message)
			}
			if err := writer.Flush(); err != nil {
				return
			}

			g.metrics.MessagesSent.Add(float64(sent))
			g.metrics.BytesSent.Add(float64(bytesOut))

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := wsutil.WriteServerMessage(conn.Conn, ws.OpPing, nil); err != nil {
				return
			}

		case <-conn.Done():
			return
		}
	}
}

func (g *Gateway) disconnect(conn *registry.Connection, reason string) {
	if conn.State() == registry.StateClosed {
		return
	}
	duration := time.Since(conn.CreatedAt())
	g.metrics.DisconnectsTotal.WithLabelValues(reason, "client").Inc()
	g.metrics.ConnectionDuration.WithLabelValues(reason).Observe(duration.Seconds())
	g.pool.RemoveConnection(conn)
	g.metrics.ConnectionsActive.Set(float64(g.pool.TotalCount()))
}
