package gemini

import (
	"fmt"
	"net/http"
	"runtime"

	"gemchat-go/internal/constants"
)

func userAgent() string {
	return fmt.Sprintf("gemchat/%s (%s; %s) %s", constants.Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
}

// applyDefaultHeaders centralizes header logic for upstream requests.
// The key travels in x-goog-api-key, never in the URL, so it cannot leak
// through access logs or tracing attributes.
func (c *Client) applyDefaultHeaders(req *http.Request, apiKey string, streaming bool) {
	req.Header.Set("Content-Type", "application/json")
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("x-goog-api-key", apiKey)
	}
	req.Header.Set("User-Agent", userAgent())
}
