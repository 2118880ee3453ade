package session

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var DebugLog func(string, ...interface{})

type Session struct {
	Client *http.Client
}

type LoggingTransport struct {
	Transport http.RoundTripper
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if DebugLog != nil {
		DebugLog("requesting url: %s %s", req.Method, redact(req.URL))

		if len(req.Header) > 0 {
			var headers []string
			for k, v := range req.Header {
				if k == "Authorization" {
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
		host := req.URL.Hostname()

		if err != nil {
			DebugLog("request to %s failed: %v", host, err)
		} else {
			DebugLog("response for %s: status code %d", redact(req.URL), resp.StatusCode)

			if resp.StatusCode >= 400 && resp.Body != nil {
				head, readErr := io.ReadAll(io.LimitReader(resp.Body, 500))
				if readErr == nil && len(head) > 0 {
					DebugLog("error response body: %s", string(head))
				}
				resp.Body = struct {
					io.Reader
					io.Closer
				}{io.MultiReader(bytes.NewReader(head), resp.Body), resp.Body}
			}
		}
	}

	return resp, err
}

func redact(u *url.URL) string {
	if u.User == nil {
		return u.String()
	}
	clone := *u
	clone.User = url.User(u.User.Username())
	return clone.String()
}

func New(timeout time.Duration) *Session {
	baseTransport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	var transport http.RoundTripper = baseTransport
	if DebugLog != nil {
		transport = &LoggingTransport{Transport: baseTransport}
	}

	return &Session{
		Client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}
