// Package transport implements the TCP accept loop and per-connection
// framed-packet read loop. It is config-driven (multiple listeners)
// and routes every parsed packet through the broker's Handle*
// dispatch methods instead of inlining protocol logic here.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sablemq/sablemq/internal/broker"
	"github.com/sablemq/sablemq/internal/config"
	"github.com/sablemq/sablemq/internal/logger"
	"github.com/sablemq/sablemq/internal/packet"
	"github.com/sablemq/sablemq/pkg/er"
)

// Server accepts connections on every configured listener and feeds
// each one through the broker's protocol dispatch.
type Server struct {
	cfg    *config.Config
	broker *broker.Broker
	logger *logger.Logger

	mu        sync.Mutex
	listeners []net.Listener

	shuttingDown atomic.Bool
	activeConns  atomic.Int32
	wg           sync.WaitGroup
}

func New(cfg *config.Config, b *broker.Broker, log *logger.Logger) *Server {
	return &Server{cfg: cfg, broker: b, logger: log}
}

// Start binds every configured listener and begins accepting
// connections in background goroutines. It returns once every
// listener is bound (or the first bind error).
func (s *Server) Start(ctx context.Context) error {
	for _, lc := range s.cfg.Listeners {
		network := "tcp4"
		if lc.IPv6 {
			network = "tcp6"
		}
		addr := fmt.Sprintf("%s:%s", lc.BindAddress, lc.Port)

		ln, err := net.Listen(network, addr)
		if err != nil {
			return fmt.Errorf("transport: listen %s: %w", addr, err)
		}

		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.accept(ctx, ln, lc.MaxConnections)

		s.logger.Info("listening", slog.String("address", addr))
	}
	return nil
}

// Stop closes every listener, causing the accept loops to return.
func (s *Server) Stop() error {
	s.shuttingDown.Store(true)

	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, ln := range s.listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.wg.Wait()
	return firstErr
}

func (s *Server) accept(ctx context.Context, ln net.Listener, maxConns int) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Warn("accept error", slog.String("error", err.Error()))
			continue
		}

		if maxConns > 0 && int(s.activeConns.Load()) >= maxConns {
			conn.Write(packet.NewConnAck(false, packet.ServerUnavailable))
			conn.Close()
			continue
		}

		s.activeConns.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection reads framed packets off conn until it closes or a
// protocol error forces a disconnect, dispatching each one through the
// broker.
func (s *Server) handleConnection(conn net.Conn) {
	var client *broker.Client
	defer func() {
		conn.Close()
		s.activeConns.Add(-1)
		if client != nil {
			s.broker.HandleClientGone(client)
		}
	}()

	reader := bufio.NewReader(conn)

	for {
		raw, err := readPacket(reader)
		if err != nil {
			return
		}

		parsed, err := packet.Parse(raw)
		if err != nil {
			if client == nil {
				if ack, respond := broker.ClassifyAndRespond(err); respond {
					conn.Write(ack)
				}
			}
			return
		}

		if client == nil {
			if parsed.Type != packet.CONNECT {
				conn.Write(packet.NewConnAck(false, packet.UnacceptableProtocolVersion))
				return
			}

			ack, c, ok := s.broker.HandleConnect(conn, parsed.Connect)
			conn.Write(ack)
			if !ok {
				return
			}
			client = c
			continue
		}

		client.Touch()

		switch parsed.Type {
		case packet.PUBLISH:
			if ack := s.broker.HandlePublish(client, parsed.Publish); ack != nil {
				conn.Write(ack)
			}

		case packet.PUBACK:
			s.broker.HandlePubAck(client, parsed.PubAck.PacketID)

		case packet.PUBREC:
			if ack := s.broker.HandlePubRec(client, parsed.PubRec.PacketID); ack != nil {
				conn.Write(ack)
			}

		case packet.PUBREL:
			conn.Write(s.broker.HandlePubRel(client, parsed.PubRel.PacketID))

		case packet.PUBCOMP:
			s.broker.HandlePubComp(client, parsed.PubComp.PacketID)

		case packet.SUBSCRIBE:
			suback, ok := s.broker.HandleSubscribe(client, parsed.Subscribe)
			if !ok {
				return
			}
			conn.Write(suback.Encode())

		case packet.UNSUBSCRIBE:
			unsuback := s.broker.HandleUnsubscribe(client, parsed.Unsubscribe)
			conn.Write(unsuback.Encode())

		case packet.PINGREQ:
			conn.Write(packet.CreatePingresp().Encode())

		case packet.DISCONNECT:
			s.broker.HandleDisconnect(client)
			client = nil
			return

		default:
			return
		}
	}
}

// readPacket reads one complete MQTT control packet (fixed header +
// remaining length + body) off r.
func readPacket(r *bufio.Reader) ([]byte, error) {
	firstByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	remLenBuf := make([]byte, 0, 4)
	var remainingLength, multiplier int
	for {
		if len(remLenBuf) >= 4 {
			return nil, &er.Err{Context: "readPacket", Message: er.ErrRemainingLengthExceeded}
		}
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		remLenBuf = append(remLenBuf, b)
		if multiplier == 0 {
			multiplier = 1
		}
		remainingLength += int(b&0x7F) * multiplier
		multiplier *= 128
		if b&0x80 == 0 {
			break
		}
	}

	raw := make([]byte, 1+len(remLenBuf)+remainingLength)
	raw[0] = firstByte
	copy(raw[1:], remLenBuf)

	if remainingLength > 0 {
		if _, err := io.ReadFull(r, raw[1+len(remLenBuf):]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, err
		}
	}

	return raw, nil
}
