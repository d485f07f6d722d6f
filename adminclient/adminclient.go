// Package adminclient is a thin client for the admin listener, used by
// operator tooling to query a running Balancer's Stats() or issue a
// dispatch probe without going through the process that embeds the
// balancer. Connections to the one admin address are kept in a pool of
// multiplexed transports, borrowed and returned around each call.
package adminclient

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"providerlb/balancer"
	"providerlb/codec"
	"providerlb/protocol"
	"providerlb/transport"
)

// Client talks to a single admin listener address.
type Client struct {
	addr      string
	codecType codec.CodecType
	poolSize  int

	mu   sync.Mutex
	pool chan *transport.ClientTransport
}

// New creates a client for the admin listener at addr. poolSize controls how
// many multiplexed connections are kept warm.
func New(addr string, codecType codec.CodecType, poolSize int) *Client {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Client{
		addr:      addr,
		codecType: codecType,
		poolSize:  poolSize,
		pool:      make(chan *transport.ClientTransport, poolSize),
	}
}

func (c *Client) getTransport() (*transport.ClientTransport, error) {
	select {
	case t := <-c.pool:
		return t, nil
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return nil, err
	}
	return transport.NewClientTransport(conn, c.codecType), nil
}

func (c *Client) putTransport(t *transport.ClientTransport) {
	select {
	case c.pool <- t:
	default:
		t.Conn().Close()
	}
}

// Stats fetches a point-in-time snapshot of the balancer's Dispatch Core.
func (c *Client) Stats() (balancer.Stats, error) {
	t, err := c.getTransport()
	if err != nil {
		return balancer.Stats{}, err
	}

	_, ch, err := t.Send(protocol.CommandStats, nil)
	if err != nil {
		return balancer.Stats{}, err
	}
	resp := <-ch
	c.putTransport(t)

	if resp.Error != "" {
		return balancer.Stats{}, fmt.Errorf("admin server: %s", resp.Error)
	}
	var stats balancer.Stats
	if err := json.Unmarshal(resp.Payload, &stats); err != nil {
		return balancer.Stats{}, err
	}
	return stats, nil
}

// Get issues a dispatch probe: it asks the balancer to pick a provider and
// returns its id, without actually invoking the provider from the caller's
// process.
func (c *Client) Get() (string, error) {
	t, err := c.getTransport()
	if err != nil {
		return "", err
	}

	_, ch, err := t.Send(protocol.CommandGet, nil)
	if err != nil {
		return "", err
	}
	resp := <-ch
	c.putTransport(t)

	if resp.Error != "" {
		return "", fmt.Errorf("admin server: %s", resp.Error)
	}
	return string(resp.Payload), nil
}
