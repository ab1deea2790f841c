package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"

	"github.com/adred-codev/poker-ws-gateway/internal/protocol"
	"github.com/adred-codev/poker-ws-gateway/internal/ratelimit"
)

// ServeHTTP upgrades an incoming request to a WebSocket connection,
// following the §4.1 admission sequence: shutdown check, connection rate
// limit, resource-guard check, JWT verification, pool admission, welcome
// frame, then the read/write pumps.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := ratelimit.ClientIP(r.Header.Get("X-Forwarded-For"), r.RemoteAddr)

	if g.isShuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if !g.connLimiter.Allow(clientIP) {
		g.log.Warn().Str("client_ip", clientIP).Msg("connection rejected: rate limit exceeded")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if allowed, pct := g.guard.AllowConnection(); !allowed {
		g.log.Warn().Str("client_ip", clientIP).Float64("cpu_percent", pct).
			Msg("connection rejected: server overloaded")
		g.metrics.CapacityRejections.WithLabelValues("cpu").Inc()
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	token := extractToken(r)
	principal, err := g.verifier.Verify(token)
	if err != nil {
		g.log.Warn().Str("client_ip", clientIP).Err(err).Msg("connection rejected: invalid token")
		http.Error(w, "invalid authentication token", http.StatusUnauthorized)
		return
	}

	tableID := r.URL.Query().Get("tableId")
	compressionOff := r.URL.Query().Get("compression") == "off"

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		g.metrics.ConnectionsFailed.Inc()
		g.log.Error().Err(err).Str("client_ip", clientIP).Msg("websocket upgrade failed")
		return
	}

	client, admitErr := g.pool.AddConnection(conn, principal, tableID, compressionOff)
	if admitErr != nil {
		g.log.Warn().Str("client_ip", clientIP).Str("user_id", principal.UserID).Err(admitErr).
			Msg("connection rejected at admission")
		g.metrics.ConnectionsFailed.Inc()
		conn.Close()
		return
	}

	g.metrics.ConnectionsTotal.Inc()
	g.metrics.ConnectionsActive.Set(float64(g.pool.TotalCount()))

	welcome := protocol.Frame{
		Type:      protocol.TypeConnectionEstablished,
		Payload:   protocol.MustMarshal(map[string]any{"connectionId": client.ID, "userId": principal.UserID, "tableId": tableID, "role": principal.Role}),
		Timestamp: time.Now().UnixMilli(),
	}
	_ = client.Pipeline.Enqueue(welcome, protocol.DefaultPriority(protocol.TypeConnectionEstablished))

	g.super.Watch(client)

	go g.writePump(client)
	go g.readPump(client)
}

// extractToken pulls a bearer token from the Authorization header or the
// ?token= query parameter, grounded on the teacher's
// ExtractTokenFromHeader/ExtractTokenFromQuery pair.
func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
	}
	return r.URL.Query().Get("token")
}
