package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientLimiters_Allow(t *testing.T) {
	limiters := newClientLimiters(3)
	now := time.Now()

	for range 3 {
		assert.True(t, limiters.allow("10.0.0.1", now))
	}

	assert.False(t, limiters.allow("10.0.0.1", now))
	assert.True(t, limiters.allow("10.0.0.2", now), "clients have separate buckets")

	// One token refills every 20 seconds at 3 requests per minute.
	assert.True(t, limiters.allow("10.0.0.1", now.Add(21*time.Second)))
}

func TestClientLimiters_Evict(t *testing.T) {
	limiters := newClientLimiters(60)
	now := time.Now()

	limiters.allow("10.0.0.1", now)
	limiters.allow("10.0.0.2", now.Add(time.Minute))

	assert.Equal(t, 1, limiters.evict(now.Add(rateLimitEntryTTL+30*time.Second), rateLimitEntryTTL))
	assert.Len(t, limiters.clients, 1)
	assert.Contains(t, limiters.clients, "10.0.0.2")
}

func TestClientLimiters_EvictsOnRequestPath(t *testing.T) {
	limiters := newClientLimiters(60)
	start := time.Now()

	limiters.allow("10.0.0.1", start)
	limiters.allow("10.0.0.2", start.Add(time.Minute))

	// Inside the cleanup interval nothing is swept.
	assert.Len(t, limiters.clients, 2)

	limiters.allow("10.0.0.3", start.Add(rateLimitEntryTTL+time.Minute))

	assert.Len(t, limiters.clients, 2)
	assert.NotContains(t, limiters.clients, "10.0.0.1")
	assert.Contains(t, limiters.clients, "10.0.0.2")
	assert.Contains(t, limiters.clients, "10.0.0.3")
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{name: "remote addr", remoteAddr: "192.0.2.1:1234", want: "192.0.2.1"},
		{name: "remote addr without port", remoteAddr: "192.0.2.1", want: "192.0.2.1"},
		{name: "forwarded single", remoteAddr: "10.0.0.1:80", xff: "203.0.113.7", want: "203.0.113.7"},
		{name: "forwarded chain", remoteAddr: "10.0.0.1:80", xff: " 203.0.113.7 , 10.0.0.5", want: "203.0.113.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr

			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}

			assert.Equal(t, tt.want, extractIP(req))
		})
	}
}
