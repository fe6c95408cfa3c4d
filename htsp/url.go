package htsp

import (
	"fmt"
	"net/url"
	"strings"
)

// the websocket endpoint served next to a web page:
// same host and port, the page's directory, `/htsp`.
// http pages map to ws and https pages to wss.
func WsUrlFromPage(pageUrl string) (string, error) {
	page, err := url.Parse(pageUrl)
	if err != nil {
		return "", err
	}

	var scheme string
	switch strings.ToLower(page.Scheme) {
	case "http", "ws":
		scheme = "ws"
	case "https", "wss":
		scheme = "wss"
	default:
		return "", fmt.Errorf("Unsupported page scheme: %q", page.Scheme)
	}
	if page.Host == "" {
		return "", fmt.Errorf("Page url has no host: %q", pageUrl)
	}

	dir := page.Path
	if i := strings.LastIndex(dir, "/"); 0 <= i {
		dir = dir[:i]
	} else {
		dir = ""
	}

	wsUrl := &url.URL{
		Scheme: scheme,
		Host:   page.Host,
		Path:   dir + "/" + DefaultSubprotocol,
	}
	return wsUrl.String(), nil
}
