package transport

import (
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/http2"

	"github.com/TheMichaelB/filebridge/internal/config"
	"github.com/TheMichaelB/filebridge/internal/events"
)

// NewHTTPClient builds the HTTP client shared by the cloud adapters. The
// client does not retry; retries belong to the retry executor.
func NewHTTPClient(timeouts config.TimeoutConfig, userAgent string, logger *events.Logger) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeouts.Connect,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeouts.Read,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	// Configure HTTP/2
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &http.Client{
		Transport: &loggingTransport{
			next:      transport,
			userAgent: userAgent,
			logger:    logger.WithField("component", "http_client"),
		},
	}
}

// loggingTransport stamps the user agent and logs each round trip at debug.
type loggingTransport struct {
	next      http.RoundTripper
	userAgent string
	logger    *events.Logger
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}

	start := time.Now()
	resp, err := t.next.RoundTrip(req)

	fields := map[string]interface{}{
		"method":   req.Method,
		"host":     req.URL.Host,
		"path":     req.URL.Path,
		"duration": time.Since(start),
	}
	if err != nil {
		t.logger.WithFields(fields).WithError(err).Debug("Request failed")
		return nil, err
	}

	fields["status"] = resp.StatusCode
	t.logger.WithFields(fields).Debug("Received response")
	return resp, nil
}

// ParseRetryAfter reads a Retry-After header given either in seconds or as
// an HTTP date. It returns zero when absent or unparseable.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// IsRetryableStatus reports whether a status code indicates a transient
// server condition.
func IsRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		(status >= 500 && status < 600 && status != http.StatusNotImplemented)
}
