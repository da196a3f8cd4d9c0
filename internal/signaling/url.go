package signaling

import (
	"net/url"
	"strings"
)

// WebsocketURL translates a relay base URL into its duplex scheme:
// https becomes wss, http becomes ws, and a bare host is treated as ws.
func WebsocketURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "wss://"), strings.HasPrefix(base, "ws://"):
		return base
	default:
		return "ws://" + base
	}
}

// Endpoint joins a relay base URL, a path and an optional query into a
// websocket URL.
func Endpoint(base, path string, query url.Values) string {
	u := WebsocketURL(base) + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// RoomEndpoint is the signaling endpoint for one room.
func RoomEndpoint(base, roomID string) string {
	return Endpoint(base, signalingPath+url.PathEscape(roomID), nil)
}
