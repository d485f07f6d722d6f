package adminclient

import (
	"fmt"
	"net"

	"providerlb/codec"
	"providerlb/message"
	"providerlb/protocol"
	"providerlb/transport"
)

// UnaryClient issues one admin command per borrowed connection instead of
// multiplexing several in flight over a shared ClientTransport. It is the
// right fit for a low-frequency poller (a healthcheck hitting "stats" every
// few seconds) where the bookkeeping a multiplexed transport needs to route
// concurrent in-flight requests buys nothing.
type UnaryClient struct {
	pool      *transport.ConnPool
	codecType codec.CodecType
}

// NewUnary builds a UnaryClient backed by a bounded pool of exclusive TCP
// connections to addr.
func NewUnary(addr string, codecType codec.CodecType, maxConns int) *UnaryClient {
	pool := transport.NewConnPool(addr, maxConns, func() (net.Conn, error) {
		return net.Dial("tcp", addr)
	})
	return &UnaryClient{pool: pool, codecType: codecType}
}

func (c *UnaryClient) call(cmd protocol.Command) (*message.Envelope, error) {
	conn, err := c.pool.Get()
	if err != nil {
		return nil, err
	}

	req := message.Envelope{}
	cdc := codec.GetCodec(c.codecType)
	body, err := cdc.Encode(&req)
	if err != nil {
		c.pool.Put(conn)
		return nil, err
	}

	header := protocol.Header{
		CodecType: byte(c.codecType),
		MsgType:   protocol.MsgTypeRequest,
		Command:   cmd,
		Seq:       1,
		BodyLen:   uint32(len(body)),
	}
	if err := protocol.Encode(conn, &header, body); err != nil {
		conn.MarkUnusable()
		c.pool.Put(conn)
		return nil, err
	}

	_, respBody, err := protocol.Decode(conn)
	if err != nil {
		conn.MarkUnusable()
		c.pool.Put(conn)
		return nil, err
	}
	c.pool.Put(conn)

	var resp message.Envelope
	if err := cdc.Decode(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stats fetches a point-in-time snapshot using one exclusive connection.
func (c *UnaryClient) Stats() ([]byte, error) {
	resp, err := c.call(protocol.CommandStats)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("admin server: %s", resp.Error)
	}
	return resp.Payload, nil
}

// Close shuts down every pooled connection.
func (c *UnaryClient) Close() error {
	return c.pool.Close()
}
