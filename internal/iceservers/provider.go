package iceservers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	// DefaultTTL is the freshness window for fetched credentials.
	DefaultTTL = 5 * time.Minute

	credentialsPath      = "/api/v1/turn/credentials"
	requestTimeout       = 10 * time.Second
	candidatePoolSize    = 10
	candidateTypeUnknown = "unknown"
)

// Public STUN servers used whenever the credential service cannot be used.
var defaultSTUN = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
	{URLs: []string{"stun:stun2.l.google.com:19302"}},
	{URLs: []string{"stun:stun3.l.google.com:19302"}},
	{URLs: []string{"stun:stun4.l.google.com:19302"}},
}

var errEmptyServerList = errors.New("credential service returned no servers")

// StaticTURN is an operator supplied TURN triple appended to the fallback list.
type StaticTURN struct {
	URLs     []string
	Username string
	Password string
}

func (s StaticTURN) valid() bool {
	return len(s.URLs) > 0 && s.Username != "" && s.Password != ""
}

type Options struct {
	Domain     string // credential service host, scheme optional
	APIKey     string
	StaticTURN StaticTURN
	ForceRelay bool
	TTL        time.Duration
	Now        func() time.Time
	HTTPClient *resty.Client
}

// Provider fetches time-limited STUN/TURN credentials and caches them.
type Provider struct {
	logger *zap.SugaredLogger
	opts   Options
	cache  *Cache
	client *resty.Client
}

// NewProvider creates a provider. A nil cache gets a private one.
func NewProvider(logger *zap.SugaredLogger, opts Options, cache *Cache) *Provider {
	if cache == nil {
		cache = NewCache()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	client := opts.HTTPClient
	if client == nil {
		client = resty.New().SetTimeout(requestTimeout)
	}
	return &Provider{logger: logger, opts: opts, cache: cache, client: client}
}

// IsConfigured reports whether the credential service has the configuration
// it needs. It is diagnostic only and never gates a connection attempt.
func (p *Provider) IsConfigured() bool {
	return p.opts.Domain != "" && p.opts.APIKey != ""
}

// ClearCache forces the next GetIceServers call to refetch.
func (p *Provider) ClearCache() {
	p.cache.Clear()
	p.logger.Debugw("ICE credential cache cleared")
}

// GetIceServers never fails: any fetch problem degrades to the fallback list.
func (p *Provider) GetIceServers(ctx context.Context) []webrtc.ICEServer {
	now := p.opts.Now()
	if servers, ok := p.cache.Get(now, p.opts.TTL); ok {
		return servers
	}

	if !p.IsConfigured() {
		p.logger.Warnw("ICE credential service not configured, using fallback servers",
			"staticTurn", p.opts.StaticTURN.valid())
		return p.fallback()
	}

	servers, err := p.fetch(ctx)
	if err != nil {
		p.logger.Warnw("ICE credential fetch failed, using fallback servers", "error", err)
		return p.fallback()
	}

	p.cache.Set(servers, now)
	p.logger.Infow("ICE credentials fetched", "servers", len(servers), "turn", hasTURN(servers))
	return cloneServers(servers)
}

// Configuration builds a peer connection configuration from the current servers.
func (p *Provider) Configuration(ctx context.Context) webrtc.Configuration {
	servers := p.GetIceServers(ctx)
	cfg := webrtc.Configuration{
		ICEServers:           servers,
		ICECandidatePoolSize: candidatePoolSize,
		ICETransportPolicy:   p.TransportPolicy(),
	}
	if !hasTURN(servers) {
		p.logger.Warnw("no TURN server available, peers on different networks may not connect")
	}
	return cfg
}

// TransportPolicy is relay-only when forced for diagnostics.
func (p *Provider) TransportPolicy() webrtc.ICETransportPolicy {
	if p.opts.ForceRelay {
		return webrtc.ICETransportPolicyRelay
	}
	return webrtc.ICETransportPolicyAll
}

func (p *Provider) fetch(ctx context.Context) ([]webrtc.ICEServer, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("apiKey", p.opts.APIKey).
		SetHeader("Accept", "application/json").
		Get(p.endpoint())
	if err != nil {
		return nil, fmt.Errorf("request credentials: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("credential service status %d", resp.StatusCode())
	}

	var descriptors []serverDescriptor
	if err := json.Unmarshal(resp.Body(), &descriptors); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	servers := lo.FilterMap(descriptors, func(d serverDescriptor, _ int) (webrtc.ICEServer, bool) {
		return d.toICEServer(), len(d.URLs) > 0
	})
	if len(servers) == 0 {
		return nil, errEmptyServerList
	}
	return servers, nil
}

func (p *Provider) endpoint() string {
	base := strings.TrimRight(p.opts.Domain, "/")
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return base + credentialsPath
}

func (p *Provider) fallback() []webrtc.ICEServer {
	servers := cloneServers(defaultSTUN)
	if turn := p.opts.StaticTURN; turn.valid() {
		servers = append(servers, webrtc.ICEServer{
			URLs:       append([]string(nil), turn.URLs...),
			Username:   turn.Username,
			Credential: turn.Password,
		})
	}
	return servers
}

// serverDescriptor is one entry of the credential service response.
type serverDescriptor struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

func (d serverDescriptor) toICEServer() webrtc.ICEServer {
	s := webrtc.ICEServer{URLs: []string(d.URLs), Username: d.Username}
	if d.Credential != "" {
		s.Credential = d.Credential
	}
	return s
}

// urlList accepts both "urls": "stun:..." and "urls": ["stun:...", ...].
type urlList []string

func (u *urlList) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*u = lo.Compact([]string{single})
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("urls must be a string or list: %w", err)
	}
	*u = lo.Compact(many)
	return nil
}

func hasTURN(servers []webrtc.ICEServer) bool {
	return lo.SomeBy(servers, func(s webrtc.ICEServer) bool {
		return lo.SomeBy(s.URLs, func(u string) bool {
			return strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:")
		})
	})
}

// CandidateType classifies a raw candidate line as host, srflx, prflx or relay.
func CandidateType(raw string) string {
	c, err := ice.UnmarshalCandidate(strings.TrimPrefix(raw, "candidate:"))
	if err != nil {
		return candidateTypeUnknown
	}
	return c.Type().String()
}
