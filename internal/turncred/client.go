// Package turncred obtains relay (TURN/STUN) server descriptors from an
// external issuer. The issuer is best-effort: one bounded attempt per call,
// and on any failure or malformed response the caller still gets the
// hardcoded fallback list. Credential fetch must never block call setup.
package turncred

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
)

const DefaultTimeout = 5 * time.Second

// fallbackServers is always usable without credentials. Appended to every
// result, issuer reachable or not.
var fallbackServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
	{URLs: []string{"stun:stun2.l.google.com:19302"}},
	{URLs: []string{"stun:stun3.l.google.com:19302"}},
	{URLs: []string{"stun:stun4.l.google.com:19302"}},
}

type Config struct {
	IssuerURL string
	Timeout   time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// issuerResponse is the shape we accept from the issuer. Anything else is
// treated as zero results.
type issuerResponse struct {
	ICEServers []issuerServer `json:"iceServers"`
}

type issuerServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Fetch returns ICE servers for one call attempt. Results are not cached:
// issuer credentials are short-lived and each call re-fetches.
func (c *Client) Fetch(ctx context.Context) []webrtc.ICEServer {
	issued := c.fetchIssued(ctx)
	return append(issued, fallbackServers...)
}

func (c *Client) fetchIssued(ctx context.Context) []webrtc.ICEServer {
	if c.cfg.IssuerURL == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"format": "urls"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.IssuerURL, bytes.NewReader(body))
	if err != nil {
		log.Printf("turncred: bad issuer request: %v", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		log.Printf("turncred: issuer unreachable, using fallback: %v", err)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		log.Printf("turncred: issuer returned %d, using fallback", resp.StatusCode)
		return nil
	}

	var parsed issuerResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		log.Printf("turncred: malformed issuer response, using fallback: %v", err)
		return nil
	}

	var servers []webrtc.ICEServer
	for _, s := range parsed.ICEServers {
		if len(s.URLs) == 0 {
			continue
		}
		ice := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			ice.Username = s.Username
			ice.Credential = s.Credential
		}
		servers = append(servers, ice)
	}
	return servers
}

// Fallback returns a copy of the hardcoded STUN list.
func Fallback() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(fallbackServers))
	copy(out, fallbackServers)
	return out
}
