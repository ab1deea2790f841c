package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gobwas/ws"

	"github.com/adred-codev/poker-ws-gateway/internal/protocol"
)

// ServeReconnect handles a reconnect upgrade for a principal with an
// existing (grace-disconnected) Connection: it rebinds the new socket onto
// the existing Connection, replaying missed history (§4.7).
func (g *Gateway) ServeReconnect(w http.ResponseWriter, r *http.Request) {
	if g.isShuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	token := extractToken(r)
	principal, err := g.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid authentication token", http.StatusUnauthorized)
		return
	}

	existing, ok := g.registry.GetByPrincipal(principal.UserID)
	if !ok {
		g.ServeHTTP(w, r) // no prior connection: treat as a fresh upgrade
		return
	}

	var lastSequenceID int64
	if seq := r.URL.Query().Get("lastSequenceId"); seq != "" {
		json.Unmarshal([]byte(seq), &lastSequenceID)
	}

	sock, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		g.metrics.ConnectionsFailed.Inc()
		return
	}

	existing.RebindConn(sock)
	replay := g.super.Reconnect(existing, lastSequenceID)

	g.metrics.ReconnectsTotal.Inc()

	ack := protocol.Frame{
		Type:      protocol.TypeReconnectionSuccessful,
		Payload:   protocol.MustMarshal(map[string]any{"replayedCount": len(replay)}),
		Timestamp: time.Now().UnixMilli(),
	}
	_ = existing.Pipeline.Enqueue(ack, protocol.DefaultPriority(protocol.TypeReconnectionSuccessful))
	for _, frame := range replay {
		_ = existing.Pipeline.Enqueue(frame, protocol.DefaultPriority(frame.Type))
	}
	if len(replay) > 0 {
		g.metrics.ReplayRequestsTotal.Inc()
	}

	g.super.Watch(existing)
	go g.writePump(existing)
	go g.readPump(existing)
}
