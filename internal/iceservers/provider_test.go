package iceservers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type credentialServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newCredentialServer(t *testing.T, status int, body string) *credentialServer {
	t.Helper()
	cs := &credentialServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.hits.Add(1)
		assert.Equal(t, credentialsPath, r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("apiKey"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(cs.Close)
	return cs
}

const meteredBody = `[
	{"urls": "stun:stun.relay.metered.ca:80"},
	{"urls": "turn:global.relay.metered.ca:80", "username": "u1", "credential": "c1"},
	{"urls": ["turns:global.relay.metered.ca:443?transport=tcp"], "username": "u1", "credential": "c1"}
]`

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestProvider(t *testing.T, domain string, clock *fakeClock) *Provider {
	t.Helper()
	return NewProvider(zaptest.NewLogger(t).Sugar(), Options{
		Domain: domain,
		APIKey: "secret",
		Now:    clock.Now,
	}, nil)
}

func TestGetIceServers_FetchesAndParses(t *testing.T) {
	srv := newCredentialServer(t, http.StatusOK, meteredBody)
	p := newTestProvider(t, srv.URL, &fakeClock{now: time.Unix(1000, 0)})

	servers := p.GetIceServers(context.Background())
	require.Len(t, servers, 3)
	assert.Equal(t, []string{"stun:stun.relay.metered.ca:80"}, servers[0].URLs)
	assert.Nil(t, servers[0].Credential)
	assert.Equal(t, "u1", servers[1].Username)
	assert.Equal(t, "c1", servers[1].Credential)
	assert.Equal(t, []string{"turns:global.relay.metered.ca:443?transport=tcp"}, servers[2].URLs)
}

func TestGetIceServers_CachedWithinWindow(t *testing.T) {
	srv := newCredentialServer(t, http.StatusOK, meteredBody)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := newTestProvider(t, srv.URL, clock)

	p.GetIceServers(context.Background())
	clock.Advance(4 * time.Minute)
	p.GetIceServers(context.Background())
	p.GetIceServers(context.Background())
	assert.Equal(t, int32(1), srv.hits.Load())

	clock.Advance(time.Minute)
	p.GetIceServers(context.Background())
	assert.Equal(t, int32(2), srv.hits.Load(), "stale credentials must be refetched")
}

func TestGetIceServers_ClearCacheForcesFetch(t *testing.T) {
	srv := newCredentialServer(t, http.StatusOK, meteredBody)
	p := newTestProvider(t, srv.URL, &fakeClock{now: time.Unix(1000, 0)})

	p.GetIceServers(context.Background())
	p.ClearCache()
	p.GetIceServers(context.Background())
	assert.Equal(t, int32(2), srv.hits.Load())
}

func TestGetIceServers_FallbackOnFailures(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
	}{
		"server error":   {http.StatusInternalServerError, `{"error":"boom"}`},
		"unauthorized":   {http.StatusUnauthorized, `{"error":"bad key"}`},
		"malformed json": {http.StatusOK, `{"urls":`},
		"wrong shape":    {http.StatusOK, `{"urls":"stun:x"}`},
		"empty list":     {http.StatusOK, `[]`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := newCredentialServer(t, tc.status, tc.body)
			p := newTestProvider(t, srv.URL, &fakeClock{now: time.Unix(1000, 0)})

			servers := p.GetIceServers(context.Background())
			require.Len(t, servers, len(defaultSTUN))
			assert.Equal(t, defaultSTUN[0].URLs, servers[0].URLs)

			// fallbacks are not cached
			p.GetIceServers(context.Background())
			assert.Equal(t, int32(2), srv.hits.Load())
		})
	}
}

func TestGetIceServers_UnreachableService(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := newTestProvider(t, url, &fakeClock{now: time.Unix(1000, 0)})
	servers := p.GetIceServers(context.Background())
	assert.NotEmpty(t, servers)
}

func TestGetIceServers_NotConfiguredUsesStaticTURN(t *testing.T) {
	p := NewProvider(zaptest.NewLogger(t).Sugar(), Options{
		StaticTURN: StaticTURN{
			URLs:     []string{"turn:turn.example.com:3478"},
			Username: "static",
			Password: "pw",
		},
	}, nil)

	assert.False(t, p.IsConfigured())
	servers := p.GetIceServers(context.Background())
	require.Len(t, servers, len(defaultSTUN)+1)
	last := servers[len(servers)-1]
	assert.Equal(t, "static", last.Username)
	assert.Equal(t, "pw", last.Credential)
}

func TestGetIceServers_SharedCacheAcrossProviders(t *testing.T) {
	srv := newCredentialServer(t, http.StatusOK, meteredBody)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cache := NewCache()
	log := zaptest.NewLogger(t).Sugar()
	opts := Options{Domain: srv.URL, APIKey: "secret", Now: clock.Now}

	NewProvider(log, opts, cache).GetIceServers(context.Background())
	NewProvider(log, opts, cache).GetIceServers(context.Background())
	assert.Equal(t, int32(1), srv.hits.Load())
	assert.Equal(t, clock.now, cache.AcquiredAt())
}

func TestConfiguration_ForceRelay(t *testing.T) {
	p := NewProvider(zaptest.NewLogger(t).Sugar(), Options{ForceRelay: true}, nil)
	cfg := p.Configuration(context.Background())
	assert.Equal(t, webrtc.ICETransportPolicyRelay, cfg.ICETransportPolicy)
	assert.Equal(t, uint8(candidatePoolSize), cfg.ICECandidatePoolSize)
	assert.NotEmpty(t, cfg.ICEServers)
}

func TestCache_ReturnsCopies(t *testing.T) {
	c := NewCache()
	c.Set([]webrtc.ICEServer{{URLs: []string{"stun:a"}}}, time.Unix(0, 0))

	got, ok := c.Get(time.Unix(1, 0), time.Minute)
	require.True(t, ok)
	got[0].URLs[0] = "stun:mutated"

	again, _ := c.Get(time.Unix(1, 0), time.Minute)
	assert.Equal(t, "stun:a", again[0].URLs[0])
}

func TestCandidateType(t *testing.T) {
	assert.Equal(t, "host", CandidateType("candidate:1 1 udp 2122260223 10.0.0.2 54321 typ host"))
	assert.Equal(t, "srflx", CandidateType("candidate:842163049 1 udp 1677729535 203.0.113.7 61000 typ srflx raddr 10.0.0.2 rport 54321"))
	assert.Equal(t, "unknown", CandidateType("garbage"))
}
