package eventstore

import (
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// logRequest records the outgoing call with query strings and
// credentials stripped.
func (c *Client) logRequest(method, endpoint string) {
	if c.Logger == nil {
		return
	}

	safe := endpoint
	if parsed, err := url.Parse(endpoint); err == nil {
		parsed.User = nil
		parsed.RawQuery = ""
		parsed.Fragment = ""
		if parsed.Scheme != "" || parsed.Host != "" {
			safe = parsed.Scheme + "://" + parsed.Host + parsed.Path
		} else {
			safe = parsed.Path
		}
	} else if idx := strings.Index(endpoint, "?"); idx >= 0 {
		safe = endpoint[:idx]
	}

	c.Logger.Debug("event store request",
		zap.String("method", method),
		zap.String("url", safe),
	)
}
