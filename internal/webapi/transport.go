package webapi

import (
	"net"
	"net/http"
	"sync"
	"time"
)

var (
	transportOnce sync.Once
	transport     *http.Transport
)

// SharedTransport returns the process-wide HTTP transport used by every
// client. High-throughput Dataverse workloads multiplex dozens of concurrent
// requests to a single host, so the per-host connection ceilings are raised
// well above net/http defaults and Expect: 100-continue is disabled to save
// a round trip on every POST.
func SharedTransport() *http.Transport {
	transportOnce.Do(func() {
		dialer := &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}
		transport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          256,
			MaxIdleConnsPerHost:   64,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 0,
		}
	})
	return transport
}
