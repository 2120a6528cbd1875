package peer

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEServersFromConfig turns the configured URL list into pion ICE servers.
// STUN URLs share one entry; each TURN URL gets the configured credentials.
func ICEServersFromConfig(urls []string, username, credential string) []webrtc.ICEServer {
	var stun []string
	var servers []webrtc.ICEServer
	for _, u := range urls {
		u = strings.TrimSpace(u)
		switch {
		case u == "":
		case strings.HasPrefix(u, "turn:"), strings.HasPrefix(u, "turns:"):
			servers = append(servers, webrtc.ICEServer{
				URLs:       []string{u},
				Username:   username,
				Credential: credential,
			})
		default:
			stun = append(stun, u)
		}
	}
	if len(stun) > 0 {
		servers = append([]webrtc.ICEServer{{URLs: stun}}, servers...)
	}
	return servers
}
