package stratum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/hako/durafmt"
	"github.com/pires/go-proxyproto"

	"github.com/bardlex/equipool/pkg/log"
)

// Options configures a Server
type Options struct {
	ListenAddr            string
	Ports                 []int
	ConnectionTimeout     time.Duration
	JobRebroadcastTimeout time.Duration
	WriteTimeout          time.Duration
	TCPProxyProtocol      bool
	Banning               BanningOptions
	PowLimit              *big.Int
	Logger                *log.Logger
}

// Server accepts miners on every configured port and fans jobs out to them.
type Server struct {
	opts      Options
	authorize AuthorizeFunc
	handler   Handler
	logger    *log.Logger

	subscriptions SubscriptionCounter
	bans          *BanList

	mu        sync.RWMutex
	clients   map[string]*Client
	listeners []net.Listener

	timerMu     sync.Mutex
	rebroadcast *time.Timer

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewServer creates a Server. Start begins listening.
func NewServer(opts Options, authorize AuthorizeFunc, handler Handler) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.PowLimit == nil {
		opts.PowLimit = DefaultPowLimit
	}
	return &Server{
		opts:      opts,
		authorize: authorize,
		handler:   handler,
		logger:    opts.Logger.WithComponent("stratum_server"),
		bans:      NewBanList(opts.Banning.Time),
		clients:   make(map[string]*Client),
	}
}

// Start listens on all ports, then calls HandleStarted. Connections are served
// until ctx is cancelled or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, port := range s.opts.Ports {
		addr := net.JoinHostPort(s.opts.ListenAddr, fmt.Sprint(port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		if s.opts.TCPProxyProtocol {
			ln = &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: 5 * time.Second}
		}

		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()
		s.logger.Info("server listening", "address", addr, "proxy_protocol", s.opts.TCPProxyProtocol)

		s.wg.Add(1)
		go s.acceptLoop(ctx, ln, port)
	}

	if s.opts.Banning.Enabled && s.opts.Banning.PurgeInterval > 0 {
		s.wg.Add(1)
		go s.purgeLoop(ctx)
	}

	s.handler.HandleStarted()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, port int) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.WithError(err).Error("failed to accept connection")
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetKeepAlive(true)
		}
		s.HandleNewClient(conn, port)
	}
}

// purgeLoop drops expired bans so the list does not grow forever.
func (s *Server) purgeLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.Banning.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.bans.Purge(); n > 0 {
				s.logger.Debug("purged expired bans", "count", n)
			}
		}
	}
}

// HandleNewClient registers conn and starts serving it. It reports false when
// the remote address was kicked for an active ban.
func (s *Server) HandleNewClient(conn net.Conn, localPort int) (string, bool) {
	subID := s.subscriptions.Next()
	client := NewClient(ClientOptions{
		SubscriptionID:    subID,
		Conn:              conn,
		LocalPort:         localPort,
		Banning:           s.opts.Banning,
		ConnectionTimeout: s.opts.ConnectionTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
		PowLimit:          s.opts.PowLimit,
		Authorize:         s.authorize,
		Handler:           s.handler,
		Logger:            s.opts.Logger,
		notify:            s.dispatch,
	})

	s.mu.Lock()
	s.clients[subID] = client
	s.mu.Unlock()
	s.dispatch(ClientEvent{Kind: EventConnected, Client: client})

	if pc, ok := conn.(*proxyproto.Conn); ok {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if pc.ProxyHeader() == nil {
				client.emit(ClientEvent{Kind: EventTCPProxyError, Detail: "missing PROXY header"})
			}
			// the header may have replaced the remote address
			client.setRemoteAddress(hostOnly(pc.RemoteAddr()))
			if s.checkBan(client) {
				s.serve(client)
			} else {
				s.serveClosed(client)
			}
		}()
		return subID, true
	}

	if !s.checkBan(client) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveClosed(client)
		}()
		return subID, false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(client)
	}()
	return subID, true
}

func (s *Server) serve(c *Client) {
	c.Run()
}

// serveClosed finishes a client that was kicked before reading anything.
func (s *Server) serveClosed(c *Client) {
	c.Destroy()
	c.emit(ClientEvent{Kind: EventDisconnected})
}

// checkBan reports false after kicking a banned client.
func (s *Server) checkBan(c *Client) bool {
	if !s.opts.Banning.Enabled {
		return true
	}
	banned, timeLeft, forgiven := s.bans.Check(c.RemoteAddress())
	if banned {
		c.Destroy()
		c.emit(ClientEvent{
			Kind:     EventKickedBannedIP,
			TimeLeft: timeLeft,
			Detail:   durafmt.Parse(timeLeft.Truncate(time.Second)).LimitFirstN(2).String() + " left",
		})
		return false
	}
	if forgiven {
		c.emit(ClientEvent{Kind: EventForgaveBannedIP})
	}
	return true
}

// dispatch applies server side effects of a client event, then hands it on.
func (s *Server) dispatch(ev ClientEvent) {
	switch ev.Kind {
	case EventDisconnected:
		s.RemoveStratumClientBySubID(ev.Client.SubscriptionID())
	case EventTriggerBan:
		s.AddBannedIP(ev.Client.RemoteAddress())
	}
	s.handler.HandleClientEvent(ev)
}

// BroadcastMiningJobs sends params to every client and rearms the rebroadcast
// timer. HandleBroadcastTimeout fires if no broadcast follows in time.
func (s *Server) BroadcastMiningJobs(params []any) {
	for _, c := range s.Clients() {
		c.SendMiningJob(params)
	}

	if s.opts.JobRebroadcastTimeout <= 0 {
		return
	}
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.rebroadcast != nil {
		s.rebroadcast.Stop()
	}
	s.rebroadcast = time.AfterFunc(s.opts.JobRebroadcastTimeout, s.handler.HandleBroadcastTimeout)
}

// AddBannedIP bans ip for the configured ban time
func (s *Server) AddBannedIP(ip string) {
	s.bans.Add(ip)
}

// IsBanned reports whether ip currently has an active ban
func (s *Server) IsBanned(ip string) bool {
	return s.bans.Banned(ip)
}

// BannedCount returns the number of tracked bans, expired ones included until purged
func (s *Server) BannedCount() int {
	return s.bans.Len()
}

// Clients returns a snapshot of connected clients
func (s *Server) Clients() []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// Client looks up a connection by subscription id
func (s *Server) Client(subID string) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[subID]
	return c, ok
}

// RemoveStratumClientBySubID forgets a connection
func (s *Server) RemoveStratumClientBySubID(subID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, subID)
}

// ManuallyAddStratumClient adopts conn as an already authorized miner carrying
// the nonce and difficulty state of a previous connection.
func (s *Server) ManuallyAddStratumClient(conn net.Conn, localPort int, prev ClientSnapshot) (string, bool) {
	subID, ok := s.HandleNewClient(conn, localPort)
	if !ok {
		return subID, false
	}
	if c, found := s.Client(subID); found {
		c.ManuallyAuthClient(prev.WorkerName, prev.WorkerPass)
		c.ManuallySetValues(prev)
	}
	return subID, true
}

// Shutdown stops listening, drops every client and waits for goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	if s.cancel != nil {
		s.cancel()
	}
	s.closeListeners()

	s.timerMu.Lock()
	if s.rebroadcast != nil {
		s.rebroadcast.Stop()
	}
	s.timerMu.Unlock()

	for _, c := range s.Clients() {
		c.Destroy()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		if err := ln.Close(); err != nil {
			s.logger.Error("failed to close listener", "error", err)
		}
	}
	s.listeners = nil
}
