// Package client builds the tuned resty.Client used by HTTP-MJPEG capture
// sources (SPEC_FULL.md §4.2's httpmjpegSource). Every call to New returns a
// fresh client with its own transport and connection pool; each
// httpmjpegSource builds its own, so pools are not shared across cameras.
package client

import (
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// New builds a resty.Client tuned for polling MJPEG snapshot endpoints:
// short per-request timeout, small bounded retry, and a connection pool
// sized for a camera fleet rather than a single long-lived browser session.
func New() *resty.Client {
	restyClient := resty.New().
		SetTimeout(5 * time.Second).
		SetHeader("Accept", "image/jpeg, multipart/x-mixed-replace").
		SetRetryCount(2).
		SetRetryWaitTime(50 * time.Millisecond).
		SetDisableWarn(true)

	restyClient.SetTransport(&http.Transport{
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ResponseHeaderTimeout: 3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	})

	return restyClient
}
