package api

import (
	"fmt"
	"net/url"
	"strings"
)

// WebSocketOrigin derives the socket origin from the REST base URL:
// http becomes ws and https becomes wss. Any path is dropped.
func WebSocketOrigin(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("parse base url %q: missing host", baseURL)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("parse base url %q: unsupported scheme %q", baseURL, u.Scheme)
	}

	return u.Scheme + "://" + u.Host, nil
}

// ChannelURL joins a socket origin, path and optional query.
func ChannelURL(origin, path string, query url.Values) string {
	s := trimSlash(origin) + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		s += "?" + query.Encode()
	}
	return s
}

// BiddingPath is the socket path for a listing's bidding channel.
func BiddingPath(listingID string) string {
	return "/api/ws/listings/" + url.PathEscape(listingID)
}

// MessagingPath is the socket path for a conversation.
func MessagingPath(conversationID string) string {
	return "/api/ws/messaging/" + url.PathEscape(conversationID)
}

// NotificationsPath is the socket path for a user's notification feed.
func NotificationsPath(userID string) string {
	return "/ws/messages/" + url.PathEscape(userID)
}
