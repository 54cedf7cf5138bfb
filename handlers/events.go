package handlers

import (
	"net/http"
	"net/url"

	"tierwise.app/cloud/internal/relay"
	"tierwise.app/cloud/internal/version"
)

// Events upgrades to a WebSocket relay stream. Clients may announce the
// envelope format they speak with ?protocol=; an incompatible major version
// is refused before the upgrade.
func (s *Server) Events(origins []string) http.HandlerFunc {
	stream := relay.ServeWebSocket(s.Bus, relay.WebSocketOptions{OriginPatterns: originHosts(origins)})

	return func(w http.ResponseWriter, r *http.Request) {
		if protocol := r.URL.Query().Get("protocol"); protocol != "" {
			compatible, err := version.IsCompatible(EventsProtocolVersion, protocol)
			if err != nil {
				writeErrorResponse(w, http.StatusBadRequest, "Invalid protocol version")
				return
			}
			if !compatible {
				writeErrorResponse(w, http.StatusBadRequest, "Unsupported protocol version")
				return
			}
		}
		stream(w, r)
	}
}

// originHosts turns CORS origins such as https://app.example.com into the
// host patterns the WebSocket handshake checks.
func originHosts(origins []string) []string {
	var hosts []string
	for _, origin := range origins {
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			hosts = append(hosts, origin)
			continue
		}
		hosts = append(hosts, u.Host)
	}
	return hosts
}
