package session

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var DebugLog func(string, ...interface{})

type LoggingTransport struct {
	Transport http.RoundTripper
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if DebugLog != nil {
		DebugLog("requesting url: %s %s", req.Method, redact(req.URL))

		if len(req.Header) > 0 {
			var headers []string
			for k, v := range req.Header {
				if k == "Authorization" || k == "User-Agent" {
					continue
				}
				headers = append(headers, fmt.Sprintf("%s: %s", k, strings.Join(v, ", ")))
			}
			if len(headers) > 0 {
				DebugLog("request headers: %s", strings.Join(headers, " | "))
			}
		}
	}

	resp, err := t.Transport.RoundTrip(req)

	if DebugLog != nil {
		if err != nil {
			DebugLog("request to %s failed: %v", req.URL.Host, err)
		} else {
			DebugLog("response for %s: status code %d", redact(req.URL), resp.StatusCode)

			if resp.StatusCode >= 400 && resp.Body != nil {
				bodyBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, 500))
				if readErr == nil && len(bodyBytes) > 0 {
					DebugLog("error response body: %s", string(bodyBytes))
				}
				resp.Body = readCloser{io.MultiReader(strings.NewReader(string(bodyBytes)), resp.Body), resp.Body}
			}
		}
	}

	return resp, err
}

type readCloser struct {
	io.Reader
	io.Closer
}

func redact(u *url.URL) string {
	if u.User == nil {
		return u.String()
	}
	clone := *u
	clone.User = url.User(u.User.Username())
	return clone.String()
}

// Transport returns the HTTP transport used for outbound service calls,
// wrapped with request logging when debug logging is on.
func Transport() http.RoundTripper {
	baseTransport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   false,
	}

	if DebugLog != nil {
		return &LoggingTransport{Transport: baseTransport}
	}
	return baseTransport
}
