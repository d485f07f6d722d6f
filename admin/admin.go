// Package admin implements the introspection listener for a Balancer.
//
// An Accept loop hands each connection to its own goroutine, which reads
// frames sequentially (TCP requires a single reader) but dispatches each
// command to its own goroutine so a slow command cannot stall the others
// sharing the connection. A per-connection write mutex keeps concurrent
// responses from interleaving on the wire.
//
// There is no reflection-based service registry here — the command set is
// the fixed, small surface a load balancer exposes for operators (stats,
// get), so a plain switch replaces a method registry and reflect.Call, and
// the command itself travels as a byte in the frame header rather than a
// method-name string in the body.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"providerlb/balancer"
	"providerlb/codec"
	"providerlb/message"
	"providerlb/middleware"
	"providerlb/protocol"
)

// Server is the admin/introspection TCP listener for one Balancer.
type Server struct {
	bal      *balancer.Balancer
	logger   *zap.Logger
	listener net.Listener
	wg       sync.WaitGroup
	shutdown atomic.Bool
	handler  middleware.HandlerFunc
}

// New builds an admin server with the standard middleware chain: logging,
// a request timeout, and a token-bucket rate limit ahead of the dispatch.
func New(bal *balancer.Balancer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{bal: bal, logger: logger}
	chain := middleware.Chain(
		middleware.LoggingMiddleware(logger),
		middleware.TimeOutMiddleware(2*time.Second),
		middleware.RateLimitMiddleware(50, 10),
	)
	s.handler = chain(s.dispatch)
	return s
}

// Serve listens on address and runs the Accept loop until Shutdown is called.
func (s *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	s.listener = listener

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		go s.handleRequest(header, body, conn, writeMu)
	}
}

func (s *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	s.wg.Add(1)
	defer s.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	req := message.Envelope{}
	if err := c.Decode(body, &req); err != nil {
		s.logger.Warn("failed to decode admin request", zap.Error(err))
		return
	}

	resp := s.handler(context.Background(), header.Command, &req)

	writeMu.Lock()
	defer writeMu.Unlock()

	result, err := c.Encode(resp)
	if err != nil {
		s.logger.Warn("failed to encode admin response", zap.Error(err))
		return
	}
	status := protocol.StatusOK
	if resp.Error != "" {
		status = protocol.StatusError
	}
	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Command:   header.Command,
		Status:    status,
		Seq:       header.Seq,
		BodyLen:   uint32(len(result)),
	}
	if err := protocol.Encode(conn, &replyHeader, result); err != nil {
		s.logger.Warn("failed to write admin response", zap.Error(err))
	}
}

// dispatch is the business handler wrapped by the middleware chain. The
// command set is fixed and small enough that a switch is clearer than a
// reflection-based method registry.
func (s *Server) dispatch(ctx context.Context, cmd protocol.Command, req *message.Envelope) *message.Envelope {
	switch cmd {
	case protocol.CommandStats:
		payload, err := json.Marshal(s.bal.Stats())
		if err != nil {
			return &message.Envelope{Error: err.Error()}
		}
		return &message.Envelope{Payload: payload}

	case protocol.CommandGet:
		id, err := s.bal.Get(ctx)
		if err != nil {
			return &message.Envelope{Error: err.Error()}
		}
		return &message.Envelope{Payload: []byte(id)}

	default:
		return &message.Envelope{Error: fmt.Sprintf("unknown command %q", cmd)}
	}
}

// Shutdown stops accepting new connections and waits up to timeout for
// in-flight commands to finish.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for in-flight admin requests to finish")
	}
}
