// Package mqttbroker is a small embedded MQTT 3.1.1 broker (QoS 0 only). It
// fans publishes out to subscribed clients and to in-process topic handlers,
// which is how the service consumes its own pub/sub topics.
package mqttbroker

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
	"time"

	"github.com/google/uuid"
)

// Message is one QoS 0 publish received from a client.
type Message struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Handler consumes messages published on a topic. It runs on the publishing
// client's connection goroutine, so long work belongs in a goroutine.
type Handler func(context.Context, Message)

type session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writeMu  sync.Mutex
	clientID string
	closed   atomic.Bool

	subMu   sync.RWMutex
	filters map[string]struct{}
}

func newSession(conn net.Conn) *session {
	return &session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		filters: make(map[string]struct{}),
	}
}

func (s *session) wants(topic string) bool {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for filter := range s.filters {
		if topicMatches(filter, topic) {
			return true
		}
	}
	return false
}

func (s *session) subscribe(filter string) {
	s.subMu.Lock()
	s.filters[filter] = struct{}{}
	s.subMu.Unlock()
}

func (s *session) unsubscribe(filter string) {
	s.subMu.Lock()
	delete(s.filters, filter)
	s.subMu.Unlock()
}

func (s *session) write(packet []byte) error {
	if s.closed.Load() {
		return net.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(packet)
	return err
}

// Broker accepts MQTT clients on one TCP listener.
type Broker struct {
	logger       *slog.Logger
	listener     net.Listener
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	sessionsMu sync.RWMutex
	sessions   map[*session]struct{}
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string][]Handler),
		sessions: make(map[*session]struct{}),
	}
}

// Handle registers h for publishes whose topic matches filter. Several
// handlers may share a filter; they run in registration order.
func (b *Broker) Handle(filter string, h Handler) {
	if h == nil {
		return
	}
	b.handlersMu.Lock()
	b.handlers[filter] = append(b.handlers[filter], h)
	b.handlersMu.Unlock()
}

// Start begins listening on bind. The returned channel carries a fatal accept
// error, if any, and is closed when the accept loop ends.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)
	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(errCh)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() || errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					b.logger.Warn("accept timeout", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				return
			}

			s := newSession(conn)
			b.track(s)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.serve(s)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the bound listener address, or "" before Start.
func (b *Broker) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// Stop closes the listener and every client connection and waits for their
// goroutines to exit.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.sessionsMu.Lock()
	for s := range b.sessions {
		s.closed.Store(true)
		_ = s.conn.Close()
	}
	b.sessions = make(map[*session]struct{})
	b.sessionsMu.Unlock()

	b.wg.Wait()
	return nil
}

// Publish delivers a message originating inside the process to subscribed
// clients and topic handlers.
func (b *Broker) Publish(topic string, payload []byte) error {
	packet, err := publishPacket(topic, payload)
	if err != nil {
		return err
	}
	b.dispatch(Message{ClientID: "broker", Topic: topic, Payload: payload})
	b.forward(topic, packet)
	return nil
}

func (b *Broker) track(s *session) {
	b.sessionsMu.Lock()
	b.sessions[s] = struct{}{}
	b.sessionsMu.Unlock()
}

func (b *Broker) untrack(s *session) {
	b.sessionsMu.Lock()
	delete(b.sessions, s)
	b.sessionsMu.Unlock()
}

func (b *Broker) serve(s *session) {
	defer func() {
		s.closed.Store(true)
		b.untrack(s)
		_ = s.conn.Close()
	}()

	connected := false
	for {
		header, err := s.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("read header error", "client", s.clientID, "error", err)
			}
			return
		}

		remaining, err := readRemainingLength(s.reader)
		if err != nil {
			b.logger.Debug("read remaining length error", "client", s.clientID, "error", err)
			return
		}

		body := make([]byte, remaining)
		if _, err := io.ReadFull(s.reader, body); err != nil {
			b.logger.Debug("read packet body error", "client", s.clientID, "error", err)
			return
		}

		packetType := header >> 4
		if !connected && packetType != packetConnect {
			b.logger.Debug("packet before connect", "type", packetType)
			return
		}

		switch packetType {
		case packetConnect:
			if connected {
				b.logger.Debug("second connect on session", "client", s.clientID)
				return
			}
			if err := b.connect(s, body); err != nil {
				b.logger.Debug("connect rejected", "error", err)
				return
			}
			connected = true
		case packetPublish:
			msg, err := decodePublish(header, body)
			if err != nil {
				b.logger.Debug("decode publish error", "client", s.clientID, "error", err)
				return
			}
			msg.ClientID = s.clientID
			b.dispatch(msg)
			if packet, err := publishPacket(msg.Topic, msg.Payload); err == nil {
				b.forward(msg.Topic, packet)
			}
		case packetSubscribe:
			if err := b.subscribe(s, body); err != nil {
				b.logger.Debug("subscribe error", "client", s.clientID, "error", err)
				return
			}
		case packetUnsubscribe:
			if err := b.unsubscribe(s, body); err != nil {
				b.logger.Debug("unsubscribe error", "client", s.clientID, "error", err)
				return
			}
		case packetPingreq:
			if err := s.write(pingrespPacket()); err != nil {
				b.logger.Debug("write pingresp error", "client", s.clientID, "error", err)
				return
			}
		case packetDisconnect:
			return
		default:
			b.logger.Debug("unsupported packet", "client", s.clientID, "type", packetType)
			return
		}
	}
}

func (b *Broker) connect(s *session, body []byte) error {
	rd := packetReader(body)

	name, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read protocol name: %w", err)
	}
	if name != protocolName {
		return fmt.Errorf("unsupported protocol %q", name)
	}

	level, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read protocol level: %w", err)
	}
	if level != protocolLevel {
		return fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read connect flags: %w", err)
	}
	if flags&connectFlagsUnsupported != 0 {
		return fmt.Errorf("unsupported connect flags %08b", flags)
	}

	if _, err := rd.readUint16(); err != nil {
		return fmt.Errorf("read keepalive: %w", err)
	}

	clientID, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read client id: %w", err)
	}
	if clientID == "" {
		clientID = "anon-" + uuid.NewString()
	}
	s.clientID = clientID

	if err := s.write(connackPacket()); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}
	b.logger.Debug("mqtt client connected", "client", clientID, "remote", s.conn.RemoteAddr().String())
	return nil
}

func (b *Broker) subscribe(s *session, body []byte) error {
	rd := packetReader(body)

	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}

	granted := 0
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic filter: %w", err)
		}
		qos, err := rd.readByte()
		if err != nil {
			return fmt.Errorf("read qos: %w", err)
		}
		if qos > 2 {
			return fmt.Errorf("invalid qos %d", qos)
		}
		// Higher QoS requests are downgraded to 0 in the suback.
		s.subscribe(filter)
		granted++
	}

	packet, err := subackPacket(packetID, granted)
	if err != nil {
		return err
	}
	return s.write(packet)
}

func (b *Broker) unsubscribe(s *session, body []byte) error {
	rd := packetReader(body)

	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic filter: %w", err)
		}
		s.unsubscribe(filter)
	}
	return s.write(unsubackPacket(packetID))
}

func (b *Broker) dispatch(msg Message) {
	b.handlersMu.RLock()
	var matched []Handler
	for filter, hs := range b.handlers {
		if topicMatches(filter, msg.Topic) {
			matched = append(matched, hs...)
		}
	}
	b.handlersMu.RUnlock()

	for _, h := range matched {
		b.invoke(h, msg)
	}
}

func (b *Broker) invoke(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("topic handler panic", "topic", msg.Topic, "panic", r)
		}
	}()
	h(b.ctx, msg)
}

// forward writes packet to every session subscribed to topic, including the
// publishing session itself, as MQTT 3.1.1 requires.
func (b *Broker) forward(topic string, packet []byte) {
	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()

	for s := range b.sessions {
		if !s.wants(topic) {
			continue
		}
		if err := s.write(packet); err != nil {
			b.logger.Debug("forward publish failed", "client", s.clientID, "error", err)
		}
	}
}
