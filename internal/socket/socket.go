// Package socket fans the Chain Processor's control-message stream out to
// any number of local subscribers over a Unix domain socket. Every
// subscriber gets every message in order; a subscriber that falls behind is
// disconnected rather than allowed to apply backpressure to the producer.
package socket

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/ethpools/liquidity-exex/internal/poolevents"
)

var (
	producerDroppedCounter   = metrics.NewRegisteredCounter("liquidity/socket/dropped/producer_full", nil)
	subscriberDroppedCounter = metrics.NewRegisteredCounter("liquidity/socket/dropped/subscriber_lag", nil)
	connectedSubscriberGauge = metrics.NewRegisteredGauge("liquidity/socket/subscribers/connected", nil)
)

const (
	// DefaultSocketPath is the conventional rendezvous path subscribers
	// connect to.
	DefaultSocketPath = "/tmp/reth_exex_pool_updates.sock"

	// producerBacklog bounds the producer-side fan-in channel. The Chain
	// Processor publishes faster than any single slow accept/dial cycle
	// should be allowed to stall it; beyond this depth, Publish drops the
	// message rather than blocking.
	producerBacklog = 50_000

	// subscriberRing bounds each subscriber's private outbound queue.
	// Falling behind this far marks the subscriber as lagging.
	subscriberRing = 10_000

	acceptRetryDelay = 100 * time.Millisecond
)

// Option configures optional Server behavior.
type Option func(*Server)

// WithHeartbeat enables periodic PingMsg frames on every subscriber
// connection, spaced interval apart. Off by default: no Ping/Pong traffic
// is sent unless a caller opts in.
func WithHeartbeat(interval time.Duration) Option {
	return func(s *Server) {
		s.heartbeat = true
		s.heartbeatInterval = interval
	}
}

// WithSocketPath overrides DefaultSocketPath.
func WithSocketPath(path string) Option {
	return func(s *Server) { s.path = path }
}

// Server is the fan-out socket server. Publish is safe to call from any
// goroutine; Run drives the accept loop and per-subscriber writers until ctx
// is cancelled.
type Server struct {
	path              string
	heartbeat         bool
	heartbeatInterval time.Duration

	produce chan poolevents.ControlMessage

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// New creates a Server listening (once Run is called) on DefaultSocketPath,
// as modified by opts.
func New(opts ...Option) *Server {
	s := &Server{
		path:    DefaultSocketPath,
		produce: make(chan poolevents.ControlMessage, producerBacklog),
		subs:    make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish enqueues msg for delivery to every current subscriber. It never
// blocks: if the producer backlog is full the message is dropped and
// logged, matching the wire protocol's at-most-once, fan-out-only contract.
func (s *Server) Publish(msg poolevents.ControlMessage) {
	select {
	case s.produce <- msg:
	default:
		producerDroppedCounter.Inc(1)
		log.Error("socket: producer backlog full, dropping control message", "kind", msg.ControlKind())
	}
}

// Run removes any stale socket node, listens at s.path with mode 0666, and
// serves subscribers until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := removeStaleSocket(s.path); err != nil {
		return err
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", s.path)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.path, 0o666); err != nil {
		ln.Close()
		return err
	}
	defer ln.Close()
	defer os.Remove(s.path)

	log.Info("socket: listening", "path", s.path)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.fanOut(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.acceptLoop(ctx, ln)
	}()

	<-ctx.Done()
	ln.Close()
	s.closeAllSubscribers()
	wg.Wait()
	return ctx.Err()
}

func removeStaleSocket(path string) error {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) {
				log.Warn("socket: transient accept error, retrying", "err", err)
				time.Sleep(acceptRetryDelay)
				continue
			}
			log.Error("socket: accept failed", "err", err)
			time.Sleep(acceptRetryDelay)
			continue
		}
		s.addSubscriber(ctx, conn)
	}
}

func (s *Server) addSubscriber(ctx context.Context, conn net.Conn) {
	sub := &subscriber{
		conn: conn,
		ring: make(chan poolevents.ControlMessage, subscriberRing),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	connectedSubscriberGauge.Inc(1)

	log.Debug("socket: subscriber connected", "remote", conn.RemoteAddr())

	go s.runSubscriber(ctx, sub)
	if s.heartbeat {
		go s.heartbeatLoop(sub)
	}
}

func (s *Server) runSubscriber(ctx context.Context, sub *subscriber) {
	defer s.removeSubscriber(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case msg, ok := <-sub.ring:
			if !ok {
				return
			}
			if err := poolevents.WriteFrame(sub.conn, msg); err != nil {
				log.Debug("socket: subscriber write failed, disconnecting", "remote", sub.conn.RemoteAddr(), "err", err)
				return
			}
		}
	}
}

func (s *Server) heartbeatLoop(sub *subscriber) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	var seq uint64
	for {
		select {
		case <-sub.done:
			return
		case <-ticker.C:
			seq++
			select {
			case sub.ring <- poolevents.PingMsg{Seq: seq}:
			default:
			}
		}
	}
}

func (s *Server) removeSubscriber(sub *subscriber) {
	sub.closeOnce.Do(func() {
		close(sub.done)
		sub.conn.Close()
	})
	s.mu.Lock()
	_, existed := s.subs[sub]
	delete(s.subs, sub)
	s.mu.Unlock()
	if existed {
		connectedSubscriberGauge.Dec(1)
	}
}

func (s *Server) closeAllSubscribers() {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		s.removeSubscriber(sub)
	}
}

// fanOut drains the producer channel and tees every message into each
// subscriber's ring, disconnecting any subscriber whose ring is full rather
// than blocking the whole fan-out on one slow reader.
func (s *Server) fanOut(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.produce:
			if !ok {
				return
			}
			s.broadcast(msg)
		}
	}
}

func (s *Server) broadcast(msg poolevents.ControlMessage) {
	s.mu.Lock()
	targets := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ring <- msg:
		default:
			subscriberDroppedCounter.Inc(1)
			log.Warn("socket: subscriber lagging, disconnecting", "remote", sub.conn.RemoteAddr())
			s.removeSubscriber(sub)
		}
	}
}

type subscriber struct {
	conn      net.Conn
	ring      chan poolevents.ControlMessage
	done      chan struct{}
	closeOnce sync.Once
}
