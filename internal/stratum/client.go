package stratum

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/equipool/pkg/log"
)

// maxBufferedInput is how much unterminated input a client may send.
const maxBufferedInput = 10240

// EventKind names a client lifecycle event
type EventKind string

// Client events
const (
	EventConnected         EventKind = "connected"
	EventDisconnected      EventKind = "disconnected"
	EventFlooded           EventKind = "socket_flooded"
	EventMalformedMessage  EventKind = "malformed_message"
	EventUnknownMethod     EventKind = "unknown_stratum_method"
	EventSocketTimeout     EventKind = "socket_timeout"
	EventSocketError       EventKind = "socket_error"
	EventTCPProxyError     EventKind = "tcp_proxy_error"
	EventTriggerBan        EventKind = "trigger_ban"
	EventKickedBannedIP    EventKind = "kicked_banned_ip"
	EventForgaveBannedIP   EventKind = "forgave_banned_ip"
	EventDifficultyChanged EventKind = "difficulty_changed"
)

// ClientEvent is delivered to the Handler for everything a client reports
// besides subscribe and submit.
type ClientEvent struct {
	Kind       EventKind
	Client     *Client
	Detail     string
	Err        error
	Difficulty float64
	TimeLeft   time.Duration
}

// AuthResult is returned by an AuthorizeFunc
type AuthResult struct {
	Error      *Error
	Authorized bool
	Disconnect bool
}

// AuthorizeFunc decides whether a worker may submit shares
type AuthorizeFunc func(ip string, port int, worker, password string) AuthResult

// Handler connects clients to the rest of the pool.
type Handler interface {
	// HandleSubscribe must call respond exactly once.
	HandleSubscribe(c *Client, respond func(extraNonce1 string, err *Error))
	// HandleSubmit validates a share; the miner is answered with true or null.
	HandleSubmit(c *Client, sub *Submission) (bool, *Error)
	HandleClientEvent(ev ClientEvent)
	HandleBroadcastTimeout()
	HandleStarted()
}

// BanningOptions configures the invalid share heuristic
type BanningOptions struct {
	Enabled        bool
	Time           time.Duration
	InvalidPercent float64
	CheckThreshold int
	PurgeInterval  time.Duration
}

// ClientOptions configures one Client
type ClientOptions struct {
	SubscriptionID    string
	Conn              net.Conn
	LocalPort         int
	Banning           BanningOptions
	ConnectionTimeout time.Duration
	WriteTimeout      time.Duration
	PowLimit          *big.Int
	Authorize         AuthorizeFunc
	Handler           Handler
	Logger            *log.Logger
	// notify receives events before the handler; set by the Server.
	notify func(ClientEvent)
}

// ClientSnapshot carries the values moved between clients by ManuallySetValues
type ClientSnapshot struct {
	WorkerName         string
	WorkerPass         string
	ExtraNonce1        string
	Difficulty         float64
	PreviousDifficulty float64
}

// Client is the server side of one miner connection.
type Client struct {
	opts          ClientOptions
	remoteAddress string
	logger        *log.Logger

	mu                 sync.Mutex
	authorized         bool
	extraNonce1        string
	workerName         string
	workerPass         string
	difficulty         float64
	previousDifficulty float64
	pendingDifficulty  *float64
	lastActivity       time.Time
	validShares        int
	invalidShares      int

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps conn. Call Run to start serving it.
func NewClient(opts ClientOptions) *Client {
	if opts.PowLimit == nil {
		opts.PowLimit = DefaultPowLimit
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}

	c := &Client{
		opts:          opts,
		remoteAddress: hostOnly(opts.Conn.RemoteAddr()),
		lastActivity:  time.Now(),
		outbound:      make(chan []byte, 64),
		done:          make(chan struct{}),
	}
	c.logger = opts.Logger.WithFields("subscription_id", opts.SubscriptionID, "remote_addr", c.remoteAddress)
	return c
}

func hostOnly(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Run serves the connection until it closes. The writer runs in its own goroutine.
func (c *Client) Run() {
	go c.writeLoop()
	c.readLoop()
}

func (c *Client) readLoop() {
	defer func() {
		c.Destroy()
		c.emit(ClientEvent{Kind: EventDisconnected})
	}()

	buf := GetBuffer()
	defer PutBuffer(buf)

	var pending []byte
	for {
		n, err := c.opts.Conn.Read(*buf)
		if n > 0 {
			pending = append(pending, (*buf)[:n]...)
			if len(pending) > maxBufferedInput {
				c.emit(ClientEvent{Kind: EventFlooded})
				return
			}

			consumed := 0
			for {
				i := bytes.IndexByte(pending[consumed:], '\n')
				if i < 0 {
					break
				}
				line := pending[consumed : consumed+i]
				consumed += i + 1
				if len(bytes.TrimSpace(line)) == 0 {
					continue
				}
				if !c.handleLine(line) {
					return
				}
			}
			pending = pending[:copy(pending, pending[consumed:])]
		}
		if err != nil {
			if !c.closed() && !isQuietClose(err) {
				c.emit(ClientEvent{Kind: EventSocketError, Err: err})
			}
			return
		}
	}
}

func isQuietClose(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET)
}

// handleLine reports false when the connection must stop reading.
func (c *Client) handleLine(line []byte) bool {
	msg, err := ParseMessage(line)
	if err != nil {
		c.emit(ClientEvent{Kind: EventMalformedMessage, Detail: string(line), Err: err})
		return false
	}
	if msg == nil {
		return true
	}
	c.logger.LogStratumMessage("received", string(line))
	c.handleMessage(msg)
	return !c.closed()
}

func (c *Client) handleMessage(msg *Message) {
	switch msg.Method {
	case MethodSubscribe:
		c.handleSubscribe(msg)
	case MethodAuthorize:
		c.handleAuthorize(msg, true)
	case MethodSubmit:
		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()
		c.handleSubmit(msg)
	case MethodGetTransactions:
		c.send(&Response{ID: nil, Result: []any{}, Error: true})
	case MethodExtranonceSubscribe:
		c.send(&Response{ID: msg.ID, Result: false, Error: NewError(ErrorOther, "Not supported.")})
	default:
		c.emit(ClientEvent{Kind: EventUnknownMethod, Detail: msg.Method})
	}
}

func (c *Client) handleSubscribe(msg *Message) {
	c.opts.Handler.HandleSubscribe(c, func(extraNonce1 string, err *Error) {
		if err != nil {
			c.send(&Response{ID: msg.ID, Result: nil, Error: err})
			return
		}
		c.mu.Lock()
		c.extraNonce1 = extraNonce1
		c.mu.Unlock()
		c.send(&Response{ID: msg.ID, Result: []any{nil, extraNonce1}, Error: nil})
	})
}

func (c *Client) handleAuthorize(msg *Message, reply bool) {
	req := ParseAuthorizeRequest(msg.Params)

	c.mu.Lock()
	c.workerName = req.Username
	c.workerPass = req.Password
	c.mu.Unlock()

	var result AuthResult
	if c.opts.Authorize != nil {
		result = c.opts.Authorize(c.RemoteAddress(), c.opts.LocalPort, req.Username, req.Password)
	}
	authorized := result.Error == nil && result.Authorized

	c.mu.Lock()
	c.authorized = authorized
	c.mu.Unlock()

	if reply {
		c.send(&Response{ID: msg.ID, Result: authorized, Error: errorValue(result.Error)})
	}
	if result.Disconnect {
		c.Destroy()
	}
}

func (c *Client) handleSubmit(msg *Message) {
	c.mu.Lock()
	authorized, extraNonce1 := c.authorized, c.extraNonce1
	c.mu.Unlock()

	if !authorized {
		c.send(&Response{ID: msg.ID, Result: nil, Error: NewError(ErrorUnauthorized, "unauthorized worker")})
		c.considerBan(false)
		return
	}
	if extraNonce1 == "" {
		c.send(&Response{ID: msg.ID, Result: nil, Error: NewError(ErrorNotSubscribed, "not subscribed")})
		c.considerBan(false)
		return
	}

	sub, err := ParseSubmitRequest(msg.Params)
	if err != nil {
		c.send(&Response{ID: msg.ID, Result: nil, Error: NewError(ErrorOther, err.Error())})
		c.considerBan(false)
		return
	}
	sub.Nonce = extraNonce1 + sub.ExtraNonce2

	accepted, shareErr := c.opts.Handler.HandleSubmit(c, sub)
	if c.considerBan(accepted) {
		return
	}
	var result any
	if accepted {
		result = true
	}
	c.send(&Response{ID: msg.ID, Result: result, Error: errorValue(shareErr)})
}

// considerBan counts a share and reports true when the client was banned.
func (c *Client) considerBan(valid bool) bool {
	banning := c.opts.Banning
	if !banning.Enabled {
		return false
	}

	c.mu.Lock()
	if valid {
		c.validShares++
	} else {
		c.invalidShares++
	}
	invalid := c.invalidShares
	total := c.validShares + c.invalidShares
	if total < banning.CheckThreshold {
		c.mu.Unlock()
		return false
	}
	percentBad := float64(invalid) / float64(total) * 100
	if percentBad < banning.InvalidPercent {
		c.validShares, c.invalidShares = 0, 0
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	c.emit(ClientEvent{
		Kind:   EventTriggerBan,
		Detail: fmt.Sprintf("%d out of the last %d shares were invalid", invalid, total),
	})
	c.Destroy()
	return true
}

// SendDifficulty pushes a new difficulty. It reports false if unchanged or
// outside DifficultyInRange.
func (c *Client) SendDifficulty(difficulty float64) bool {
	if !DifficultyInRange(c.opts.PowLimit, difficulty) {
		c.logger.Warn("difficulty out of range", "difficulty", difficulty)
		return false
	}
	c.mu.Lock()
	if difficulty == c.difficulty {
		c.mu.Unlock()
		return false
	}
	c.previousDifficulty = c.difficulty
	c.difficulty = difficulty
	c.mu.Unlock()

	c.send(&Notification{
		ID:     nil,
		Method: MethodSetDifficulty,
		Params: []any{DifficultyTarget(c.opts.PowLimit, difficulty)},
	})
	return true
}

// EnqueueNextDifficulty stages a difficulty for the next job push. It
// reports false for a difficulty outside DifficultyInRange.
func (c *Client) EnqueueNextDifficulty(difficulty float64) bool {
	if !DifficultyInRange(c.opts.PowLimit, difficulty) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingDifficulty = &difficulty
	return true
}

// SendMiningJob pushes job params, first flushing any staged difficulty. A
// client idle for longer than the connection timeout is dropped instead.
func (c *Client) SendMiningJob(params []any) {
	c.mu.Lock()
	idle := time.Since(c.lastActivity)
	pending := c.pendingDifficulty
	c.pendingDifficulty = nil
	c.mu.Unlock()

	if c.opts.ConnectionTimeout > 0 && idle > c.opts.ConnectionTimeout {
		c.emit(ClientEvent{
			Kind:   EventSocketTimeout,
			Detail: fmt.Sprintf("last submitted a share was %d seconds ago", int(idle.Seconds())),
		})
		c.Destroy()
		return
	}

	if pending != nil && c.SendDifficulty(*pending) {
		c.emit(ClientEvent{Kind: EventDifficultyChanged, Difficulty: *pending})
	}
	c.send(&Notification{ID: nil, Method: MethodNotify, Params: params})
}

// ManuallyAuthClient authorizes without answering the miner
func (c *Client) ManuallyAuthClient(worker, password string) {
	c.handleAuthorize(&Message{ID: 1, Params: []any{worker, password}}, false)
}

// ManuallySetValues copies nonce and difficulty state from another connection
func (c *Client) ManuallySetValues(other ClientSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extraNonce1 = other.ExtraNonce1
	c.previousDifficulty = other.PreviousDifficulty
	c.difficulty = other.Difficulty
}

// Snapshot captures the values ManuallySetValues restores
func (c *Client) Snapshot() ClientSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientSnapshot{
		WorkerName:         c.workerName,
		WorkerPass:         c.workerPass,
		ExtraNonce1:        c.extraNonce1,
		Difficulty:         c.difficulty,
		PreviousDifficulty: c.previousDifficulty,
	}
}

// Label identifies the client in logs as "worker [ip]"
func (c *Client) Label() string {
	c.mu.Lock()
	worker, addr := c.workerName, c.remoteAddress
	c.mu.Unlock()
	if worker == "" {
		worker = "(unauthorized)"
	}
	return worker + " [" + addr + "]"
}

// SubscriptionID returns the server assigned connection id
func (c *Client) SubscriptionID() string { return c.opts.SubscriptionID }

// RemoteAddress returns the miner IP
func (c *Client) RemoteAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteAddress
}

func (c *Client) setRemoteAddress(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteAddress = addr
}

// LocalPort returns the pool port the miner connected to
func (c *Client) LocalPort() int { return c.opts.LocalPort }

// Authorized reports whether mining.authorize succeeded
func (c *Client) Authorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized
}

// ExtraNonce1 returns the assigned extraNonce1, empty before subscribe
func (c *Client) ExtraNonce1() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extraNonce1
}

// WorkerName returns the name given to mining.authorize
func (c *Client) WorkerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workerName
}

// Difficulty returns the difficulty last sent to the miner
func (c *Client) Difficulty() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.difficulty
}

// PreviousDifficulty returns the difficulty before the last change
func (c *Client) PreviousDifficulty() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previousDifficulty
}

// Destroy closes the connection. Safe to call more than once.
func (c *Client) Destroy() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.opts.Conn.Close(); err != nil {
			c.logger.Debug("failed to close connection", "error", err)
		}
	})
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) emit(ev ClientEvent) {
	ev.Client = c
	if c.opts.notify != nil {
		c.opts.notify(ev)
		return
	}
	c.opts.Handler.HandleClientEvent(ev)
}

func (c *Client) send(v any) {
	data, err := encodeLine(v)
	if err != nil {
		c.logger.WithError(err).Error("failed to marshal message")
		return
	}

	select {
	case c.outbound <- data:
	case <-c.done:
	default:
		c.logger.Warn("outbound queue full, dropping connection")
		c.Destroy()
	}
}

// writeLoop drains the outbound queue to the socket.
func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.outbound:
			if err := c.opts.Conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.logger.Debug("failed to set write deadline", "error", err)
			}
			if _, err := c.opts.Conn.Write(data); err != nil {
				c.logger.Debug("failed to write message", "error", err)
				c.Destroy()
				return
			}
			c.logger.LogStratumMessage("sent", string(data[:len(data)-1]))
		}
	}
}
