// Package client talks to a remote node, either over its HTTP surface or over a raw TCP stream.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"meshnode/datamodel/apikey"
	"meshnode/datamodel/peer"
	"meshnode/swarm/access"
	"meshnode/swarm/protocol"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
}

// New returns an HTTP client for the node at addr. Every request is bounded by timeout.
func New(addr peer.Address, apiKey string, timeout time.Duration) *Client {
	return &Client{
		base:   &url.URL{Scheme: "http", Host: addr.String()},
		apiKey: apiKey,
		http:   &http.Client{Timeout: timeout},
	}
}

// Connect performs the inbound handshake on the remote node, announcing self, and returns the remote snapshot.
func (c *Client) Connect(ctx context.Context, self peer.Address) (protocol.PeerList, error) {
	q := url.Values{}
	q.Set(protocol.ParamPeerHost, self.Host)
	q.Set(protocol.ParamPeerPort, strconv.Itoa(self.Port))

	res := &protocol.PeersResponse{}
	if err := c.do(ctx, http.MethodGet, "/connect", q, nil, res); err != nil {
		return nil, err
	}
	if err := res.Peers.Validate(); err != nil {
		return nil, err
	}
	return res.Peers, nil
}

// RequestConnect asks the remote node to connect to target.
func (c *Client) RequestConnect(ctx context.Context, target peer.Address) (protocol.PeerList, error) {
	q := url.Values{}
	q.Set(protocol.ParamPeerHost, target.Host)
	q.Set(protocol.ParamPeerPort, strconv.Itoa(target.Port))

	res := &protocol.PeersResponse{}
	if err := c.do(ctx, http.MethodPost, "/connect", q, nil, res); err != nil {
		return nil, err
	}
	return res.Peers, nil
}

func (c *Client) Peers(ctx context.Context) (protocol.PeerList, error) {
	res := &protocol.PeersResponse{}
	if err := c.do(ctx, http.MethodGet, "/peers", nil, nil, res); err != nil {
		return nil, err
	}
	return res.Peers, nil
}

func (c *Client) Info(ctx context.Context) (*protocol.InfoResponse, error) {
	res := &protocol.InfoResponse{}
	if err := c.do(ctx, http.MethodGet, "/", nil, nil, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Message(ctx context.Context, msg string) (string, error) {
	res := &protocol.MessageResponse{}
	if err := c.do(ctx, http.MethodPost, "/message", nil, &protocol.MessageRequest{Message: msg}, res); err != nil {
		return "", err
	}
	return res.Response, nil
}

func (c *Client) Register(ctx context.Context, rec *apikey.Record) error {
	req := &protocol.RegisterRequest{APIKey: rec.Key, Email: rec.Email}
	return c.do(ctx, http.MethodPost, "/register", nil, req, &protocol.RegisterResponse{})
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = path
	u.RawQuery = query.Encode()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(protocol.HeaderAPIKey, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", protocol.ErrTransport, method, u.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", protocol.ErrProtocol, u.Path, err)
	}
	return nil
}

// statusError maps an error response back onto the sentinel the remote handler started from.
func statusError(resp *http.Response) error {
	er := &protocol.ErrorResponse{}
	if err := json.NewDecoder(resp.Body).Decode(er); err != nil || er.Error == "" {
		er.Error = resp.Status
	}

	var kind error
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		kind = access.ErrUnauthorized
	case http.StatusForbidden:
		kind = access.ErrForbidden
	case http.StatusBadRequest:
		kind = apikey.ErrInvalidInput
	case http.StatusConflict:
		kind = apikey.ErrDuplicateKey
	case http.StatusBadGateway:
		kind = protocol.ErrTransport
	default:
		kind = errors.New(resp.Status)
	}
	return fmt.Errorf("%w: %s", kind, er.Error)
}
