package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/params"
	"github.com/pkg/errors"
	"golang.org/x/net/proxy"
)

// Client issues requests to peers over the anonymizing overlay. A zero socks
// address dials directly, which only works on clearnet test deployments.
type Client struct {
	httpClient *http.Client
	maxBody    int64
}

// NewClient builds an overlay client routed through the SOCKS5 proxy at
// socksAddr. Connection timeouts are enforced per call via context.
func NewClient(socksAddr string) (*Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        64,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if socksAddr != "" {
		dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
		if err != nil {
			return nil, errors.Wrapf(err, "could not build SOCKS5 dialer for %s", socksAddr)
		}
		ctxDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("SOCKS5 dialer does not support context dialing")
		}
		transport.DialContext = ctxDialer.DialContext
	} else {
		d := &net.Dialer{Timeout: 30 * time.Second}
		transport.DialContext = d.DialContext
	}
	return &Client{
		httpClient: &http.Client{Transport: transport},
		maxBody:    params.OverlayNetworkConfig().MaxResponseBodyBytes,
	}, nil
}

// Health probes GET /health on the peer. A response with status 200 within
// the health probe timeout counts as alive.
func (c *Client) Health(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, params.OverlayNetworkConfig().HealthProbeTimeout)
	defer cancel()
	_, err := c.get(ctx, endpoint, "/health")
	return err
}

// Metrics fetches the health sample a peer reports on GET /health/metrics.
func (c *Client) Metrics(ctx context.Context, endpoint string) (*NodeMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, params.OverlayNetworkConfig().HealthProbeTimeout)
	defer cancel()
	body, err := c.get(ctx, endpoint, "/health/metrics")
	if err != nil {
		return nil, err
	}
	metrics := &NodeMetrics{}
	if err := json.Unmarshal(body, metrics); err != nil {
		return nil, errors.Wrapf(err, "malformed metrics payload from %s", endpoint)
	}
	return metrics, nil
}

// Peers fetches the peer's view of the directory from GET /api/peers.
func (c *Client) Peers(ctx context.Context, endpoint string) ([]*types.Peer, error) {
	ctx, cancel := context.WithTimeout(ctx, params.OverlayNetworkConfig().PeerListTimeout)
	defer cancel()
	body, err := c.get(ctx, endpoint, "/api/peers")
	if err != nil {
		return nil, err
	}
	resp := &PeerListResponse{}
	if err := json.Unmarshal(body, resp); err != nil {
		return nil, errors.Wrapf(err, "malformed peer list from %s", endpoint)
	}
	return resp.Peers, nil
}

// RegistrationPing performs the reachability challenge round trip: POST
// /registration/ping?token=… must come back as pong_<token>.
func (c *Client) RegistrationPing(ctx context.Context, endpoint, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, params.OverlayNetworkConfig().HealthProbeTimeout)
	defer cancel()
	u := fmt.Sprintf("http://%s/registration/ping?token=%s", endpoint, url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return false, err
	}
	body, err := c.do(req)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(body)) == "pong_"+token, nil
}

// VerifyShard asks the host for the hash of the shard replica it holds via
// GET /storage/verify/{id}.
func (c *Client) VerifyShard(ctx context.Context, endpoint, shardID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, params.OverlayNetworkConfig().StorageProbeTimeout)
	defer cancel()
	body, err := c.get(ctx, endpoint, "/storage/verify/"+url.PathEscape(shardID))
	if err != nil {
		return "", err
	}
	resp := &ShardHashResponse{}
	if err := json.Unmarshal(body, resp); err != nil {
		return "", errors.Wrapf(err, "malformed shard hash payload from %s", endpoint)
	}
	return resp.Hash, nil
}

// RetrieveStored reads back a previously stored blob from GET
// /storage/retrieve, which the registration storage challenge uses to prove
// a candidate actually persists data.
func (c *Client) RetrieveStored(ctx context.Context, endpoint, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, params.OverlayNetworkConfig().StorageProbeTimeout)
	defer cancel()
	return c.get(ctx, endpoint, "/storage/retrieve?key="+url.QueryEscape(key))
}

func (c *Client) get(ctx context.Context, endpoint, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+endpoint+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.TransientErrorf("overlay request to %s failed: %v", req.URL.Host, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close overlay response body")
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("overlay request to %s returned status %d", req.URL.Host, resp.StatusCode)
	}
	body, err := ioutil.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, errors.Wrapf(err, "could not read overlay response from %s", req.URL.Host)
	}
	return body, nil
}
