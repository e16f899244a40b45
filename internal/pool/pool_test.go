package pool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/equipool/internal/config"
	"github.com/bardlex/equipool/internal/jobs"
	"github.com/bardlex/equipool/internal/messaging"
	"github.com/bardlex/equipool/pkg/log"
)

type submitCall struct {
	nonce, solution, headerHash string
}

type fakeDaemon struct {
	mu            sync.Mutex
	template      *jobs.Template
	templateErr   error
	templateCalls int
	accept        bool
	submitErr     error
	submits       []submitCall
	addresses     map[string]bool
	validateErr   error
	validated     []string
}

func (d *fakeDaemon) GetBlockTemplate(context.Context) (*jobs.Template, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.templateCalls++
	if d.templateErr != nil {
		return nil, d.templateErr
	}
	return d.template, nil
}

func (d *fakeDaemon) SubmitBlock(_ context.Context, nonce, solution, headerHash string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submits = append(d.submits, submitCall{nonce, solution, headerHash})
	return d.accept, d.submitErr
}

func (d *fakeDaemon) ValidateAddress(_ context.Context, address string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.validated = append(d.validated, address)
	return d.addresses[address], d.validateErr
}

func (d *fakeDaemon) calls() (templates, submits int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.templateCalls, len(d.submits)
}

type fakeRecorder struct {
	shares chan *messaging.ShareMessage
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{shares: make(chan *messaging.ShareMessage, 16)}
}

func (r *fakeRecorder) RecordShare(_ context.Context, share *messaging.ShareMessage) error {
	r.shares <- share
	return nil
}

func (r *fakeRecorder) WritePoolStats(context.Context, uint32, int, int) {}

func (r *fakeRecorder) next(t *testing.T) *messaging.ShareMessage {
	t.Helper()
	select {
	case share := <-r.shares:
		return share
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a recorded share")
		return nil
	}
}

type published struct {
	topic, key string
	value      any
}

type fakeEvents struct {
	mu        sync.Mutex
	codec     messaging.Codec
	published []published
}

func newFakeEvents(t *testing.T) *fakeEvents {
	codec, err := messaging.NewCodec("json")
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	return &fakeEvents{codec: codec}
}

func (e *fakeEvents) Publish(_ context.Context, topic, key string, v any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.published = append(e.published, published{topic, key, v})
	return nil
}

func (e *fakeEvents) Consume(ctx context.Context, _, _ string, _ messaging.HandlerFunc) error {
	<-ctx.Done()
	return ctx.Err()
}

func (e *fakeEvents) Decode(data []byte, v any) error { return e.codec.Decode(data, v) }

func (e *fakeEvents) topics() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, p := range e.published {
		out = append(out, p.topic)
	}
	return out
}

type acceptAll struct{}

func (acceptAll) Verify(_, _ []byte) bool { return true }

func testTemplate(prevHash string, height uint64) *jobs.Template {
	return &jobs.Template{
		PreviousBlockHash: prevHash,
		Height:            height,
		Target:            strings.Repeat("ff", 32),
		HeaderHash:        strings.Repeat("ab", 32),
		Version:           1,
		Coinbase:          strings.Repeat("a0", 32),
		StateRoot:         strings.Repeat("11", 32),
		TxTrieRoot:        strings.Repeat("22", 32),
		ReceiptTrieRoot:   strings.Repeat("33", 32),
		LogsBloom:         strings.Repeat("00", 256),
		Difficulty:        "0x1f4",
		EnergyConsumed:    21000,
		EnergyLimit:       15000000,
		CurTime:           1_700_000_000,
	}
}

func testConfig() *config.Config {
	return &config.Config{
		ServiceName:       "test",
		CoinName:          "aion",
		InstanceID:        0xdeadbeef,
		RewardType:        "POW",
		ListenAddr:        "127.0.0.1",
		Ports:             map[int]config.PortConfig{0: {Diff: 16}},
		ConnectionTimeout: time.Minute,
		WriteTimeout:      time.Second,
		JobHistorySize:    16,
		KafkaGroupID:      "equipool",
		Banning: config.Banning{
			Enabled:        true,
			Time:           time.Minute,
			InvalidPercent: 50,
			CheckThreshold: 100,
			PurgeInterval:  time.Minute,
		},
	}
}

func newTestPool(t *testing.T, cfg *config.Config, d *fakeDaemon) (*Pool, *fakeRecorder, *fakeEvents) {
	t.Helper()
	recorder := newFakeRecorder()
	events := newFakeEvents(t)
	p, err := New(Options{
		Config:   cfg,
		Daemon:   d,
		Recorder: recorder,
		Events:   events,
		Verifier: acceptAll{},
		Logger:   log.Discard(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p, recorder, events
}

func TestNew_BadPoolAddress(t *testing.T) {
	cfg := testConfig()
	cfg.PoolAddress = "not hex"
	if _, err := New(Options{Config: cfg, Daemon: &fakeDaemon{}}); err == nil {
		t.Error("New() should reject a non hex pool address")
	}
}

func TestPool_InstanceID(t *testing.T) {
	p, _, _ := newTestPool(t, testConfig(), &fakeDaemon{})
	if p.InstanceID() != 0xdeadbeef {
		t.Errorf("InstanceID() = %08x", p.InstanceID())
	}
	if got := p.JobManager().ExtraNonceCounter.Next(); got != "deadbeef00000000" {
		t.Errorf("first extraNonce1 = %s", got)
	}
}

func TestValidWorker(t *testing.T) {
	account := "a0f1e2d3c4b5a69788796a5b4c3d2e1f0f1e2d3c4b5a69788796a5b4c3d2e1f0"
	legacy := strings.Repeat("1f", 20)

	tests := []struct {
		name         string
		validate     bool
		worker       string
		addresses    map[string]bool
		validateErr  error
		want         bool
		wantValidate []string
	}{
		{name: "validation off", validate: false, worker: "anything", want: true},
		{name: "account address", validate: true, worker: account, want: true},
		{name: "account with rig", validate: true, worker: account + ".rig1", want: true},
		{name: "prefixed account", validate: true, worker: "0x" + account, want: true},
		{name: "legacy address", validate: true, worker: legacy, want: true},
		{name: "empty", validate: true, worker: "", want: false},
		{
			name:         "daemon accepts",
			validate:     true,
			worker:       "t1abc.rig2",
			addresses:    map[string]bool{"t1abc": true},
			want:         true,
			wantValidate: []string{"t1abc"},
		},
		{
			name:         "daemon rejects",
			validate:     true,
			worker:       "nonsense",
			want:         false,
			wantValidate: []string{"nonsense"},
		},
		{
			name:         "daemon error",
			validate:     true,
			worker:       "t1abc",
			addresses:    map[string]bool{"t1abc": true},
			validateErr:  errors.New("connection refused"),
			want:         false,
			wantValidate: []string{"t1abc"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.ValidateWorkerUsername = tt.validate
			d := &fakeDaemon{addresses: tt.addresses, validateErr: tt.validateErr}
			p, _, _ := newTestPool(t, cfg, d)

			res := p.authorize("10.0.0.1", 3333, tt.worker, "x")
			if res.Authorized != tt.want || res.Error != nil || res.Disconnect {
				t.Errorf("authorize() = %+v, want authorized %v", res, tt.want)
			}
			if !reflect.DeepEqual(d.validated, tt.wantValidate) {
				t.Errorf("validateaddress calls = %v, want %v", d.validated, tt.wantValidate)
			}
		})
	}
}

func TestPool_PortDifficulty(t *testing.T) {
	p, _, _ := newTestPool(t, testConfig(), &fakeDaemon{})
	if got := p.portDifficulty(0); got != 16 {
		t.Errorf("portDifficulty(0) = %v, want 16", got)
	}
	if got := p.portDifficulty(4444); got != defaultDiff {
		t.Errorf("portDifficulty(4444) = %v, want %v", got, defaultDiff)
	}
}

func TestPool_BroadcastTimeoutUpdatesJob(t *testing.T) {
	d := &fakeDaemon{template: testTemplate(strings.Repeat("aa", 32), 10)}
	p, _, _ := newTestPool(t, testConfig(), d)

	if err := p.refreshTemplate(context.Background(), false); err != nil {
		t.Fatalf("refreshTemplate() error = %v", err)
	}
	if job := p.JobManager().CurrentJob(); job == nil || job.JobID != "1" {
		t.Fatalf("CurrentJob() = %+v", job)
	}

	// the same block polled again is not new work
	if err := p.refreshTemplate(context.Background(), false); err != nil {
		t.Fatalf("refreshTemplate() error = %v", err)
	}
	if job := p.JobManager().CurrentJob(); job.JobID != "1" {
		t.Errorf("poll replaced the job: %s", job.JobID)
	}

	p.HandleBroadcastTimeout()
	if job := p.JobManager().CurrentJob(); job.JobID != "2" {
		t.Errorf("after broadcast timeout job = %s, want 2", job.JobID)
	}
}

func TestPool_RefreshTemplateError(t *testing.T) {
	d := &fakeDaemon{templateErr: errors.New("daemon offline")}
	p, _, _ := newTestPool(t, testConfig(), d)

	if err := p.Start(context.Background()); err == nil {
		t.Fatal("Start() should fail without a template")
	}
	if p.JobManager().CurrentJob() != nil {
		t.Error("no job should exist")
	}
}

func TestPool_OnBlockNotification(t *testing.T) {
	prev := strings.Repeat("aa", 32)
	d := &fakeDaemon{template: testTemplate(prev, 10)}
	p, _, _ := newTestPool(t, testConfig(), d)
	ctx := context.Background()

	if err := p.refreshTemplate(ctx, false); err != nil {
		t.Fatalf("refreshTemplate() error = %v", err)
	}

	if err := p.onBlockNotification(ctx, "0x"+strings.ToUpper(prev)); err != nil {
		t.Fatalf("onBlockNotification() error = %v", err)
	}
	if templates, _ := d.calls(); templates != 1 {
		t.Errorf("known parent refetched the template: %d calls", templates)
	}

	d.mu.Lock()
	d.template = testTemplate(strings.Repeat("bb", 32), 11)
	d.mu.Unlock()
	if err := p.onBlockNotification(ctx, strings.Repeat("bb", 32)); err != nil {
		t.Fatalf("onBlockNotification() error = %v", err)
	}
	if job := p.JobManager().CurrentJob(); job.Height() != 11 {
		t.Errorf("height = %d, want 11", job.Height())
	}
}

func TestPool_HandleShare(t *testing.T) {
	validShare := func() *jobs.Share {
		return &jobs.Share{
			Job:             "1",
			IP:              "10.0.0.1",
			Port:            3333,
			Worker:          "w1",
			Height:          10,
			BlockReward:     4.5,
			Difficulty:      8,
			ShareDiff:       9,
			BlockDiff:       4,
			BlockDiffActual: 4,
			BlockHash:       "00ff",
			HeaderHash:      "ab",
			Nonce:           "0102",
			Solution:        "3c3c",
			BlockHex:        "beef",
			Timestamp:       time.Unix(1_700_000_000, 0),
		}
	}

	tests := []struct {
		name           string
		share          func() *jobs.Share
		accept         bool
		submitErr      error
		wantSubmits    int
		wantValidBlock bool
		wantTopics     []string
		wantRefresh    int
	}{
		{
			name:           "accepted block",
			share:          validShare,
			accept:         true,
			wantSubmits:    1,
			wantValidBlock: true,
			wantTopics:     []string{messaging.TopicShares, messaging.TopicBlocks},
			wantRefresh:    1,
		},
		{
			name:        "rejected block",
			share:       validShare,
			accept:      false,
			wantSubmits: 1,
			wantTopics:  []string{messaging.TopicShares, messaging.TopicBlocks},
		},
		{
			name:        "submission error",
			share:       validShare,
			submitErr:   errors.New("daemon request failed"),
			wantSubmits: 1,
			wantTopics:  []string{messaging.TopicShares, messaging.TopicBlocks},
		},
		{
			name: "invalid share",
			share: func() *jobs.Share {
				return &jobs.Share{Job: "9", IP: "10.0.0.1", Worker: "w1", Difficulty: 8, Error: "job not found"}
			},
			wantTopics: []string{messaging.TopicShares},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDaemon{
				template:  testTemplate(strings.Repeat("aa", 32), 10),
				accept:    tt.accept,
				submitErr: tt.submitErr,
			}
			p, recorder, events := newTestPool(t, testConfig(), d)
			share := tt.share()

			p.handleShare(context.Background(), share)

			templates, submits := d.calls()
			if submits != tt.wantSubmits {
				t.Errorf("submits = %d, want %d", submits, tt.wantSubmits)
			}
			if templates != tt.wantRefresh {
				t.Errorf("template refreshes = %d, want %d", templates, tt.wantRefresh)
			}
			if tt.wantSubmits > 0 {
				want := submitCall{"0102", "3c3c", "ab"}
				if d.submits[0] != want {
					t.Errorf("submitblock(%+v), want %+v", d.submits[0], want)
				}
			}

			msg := recorder.next(t)
			if msg.ValidBlock != tt.wantValidBlock || msg.Valid != share.Valid() {
				t.Errorf("recorded share = %+v", msg)
			}
			if msg.InstanceID != 0xdeadbeef || msg.Coin != "aion" || msg.Error != share.Error {
				t.Errorf("recorded share = %+v", msg)
			}
			if got := events.topics(); !reflect.DeepEqual(got, tt.wantTopics) {
				t.Errorf("published topics = %v, want %v", got, tt.wantTopics)
			}
		})
	}
}

func TestPool_BlockMessageCarriesRecipients(t *testing.T) {
	cfg := testConfig()
	cfg.Recipients = []config.Recipient{{Address: "a0f1", Percent: 1.5}, {Address: "a0f2", Percent: 0.5}}
	d := &fakeDaemon{template: testTemplate(strings.Repeat("aa", 32), 10), accept: true}
	p, recorder, events := newTestPool(t, cfg, d)

	if err := p.refreshTemplate(context.Background(), false); err != nil {
		t.Fatalf("refreshTemplate() error = %v", err)
	}
	job := p.JobManager().CurrentJob()
	wantJob := []jobs.Recipient{{Address: "a0f1", Percent: 1.5}, {Address: "a0f2", Percent: 0.5}}
	if !reflect.DeepEqual(job.Recipients, wantJob) || job.RewardType != "POW" {
		t.Fatalf("job reward split = %s %+v", job.RewardType, job.Recipients)
	}

	p.handleShare(context.Background(), &jobs.Share{
		Job:        "1",
		Worker:     "w1",
		Height:     10,
		BlockHash:  "00ff",
		HeaderHash: "ab",
		Nonce:      "0102",
		Solution:   "3c3c",
		BlockHex:   "beef",
		Timestamp:  time.Unix(1_700_000_000, 0),
		RewardType: job.RewardType,
		Recipients: job.Recipients,
	})
	recorder.next(t)

	events.mu.Lock()
	defer events.mu.Unlock()
	if len(events.published) != 2 {
		t.Fatalf("published %d messages, want 2", len(events.published))
	}
	block, ok := events.published[1].value.(*messaging.BlockMessage)
	if !ok {
		t.Fatalf("published %T, want *messaging.BlockMessage", events.published[1].value)
	}
	want := []messaging.Recipient{{Address: "a0f1", Percent: 1.5}, {Address: "a0f2", Percent: 0.5}}
	if !reflect.DeepEqual(block.Recipients, want) {
		t.Errorf("Recipients = %+v, want %+v", block.Recipients, want)
	}
	if block.RewardType != "POW" || !block.Accepted {
		t.Errorf("block message = %+v", block)
	}
}

func TestPool_DrainsQueuedShares(t *testing.T) {
	p, recorder, _ := newTestPool(t, testConfig(), &fakeDaemon{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p.shares <- &jobs.Share{Job: "1", Worker: "w1", Error: "duplicate share"}
	p.shares <- &jobs.Share{Job: "1", Worker: "w2", Error: "duplicate share"}

	p.wg.Add(1)
	p.processShares(ctx)

	first, second := recorder.next(t), recorder.next(t)
	if first.Worker != "w1" || second.Worker != "w2" {
		t.Errorf("shares out of order: %s, %s", first.Worker, second.Worker)
	}
}

func TestPool_HandleBanMessage(t *testing.T) {
	p, _, _ := newTestPool(t, testConfig(), &fakeDaemon{})

	encode := func(msg messaging.BanMessage) []byte {
		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		return data
	}

	own := encode(messaging.BanMessage{InstanceID: p.InstanceID(), IP: "10.0.0.1"})
	if err := p.handleBanMessage(context.Background(), "10.0.0.1", own); err != nil {
		t.Fatalf("handleBanMessage() error = %v", err)
	}
	if p.Server().IsBanned("10.0.0.1") {
		t.Error("a ban issued by this worker must not be applied twice")
	}

	remote := encode(messaging.BanMessage{InstanceID: 7, IP: "10.0.0.2", Reason: "6 out of the last 10 shares were invalid"})
	if err := p.handleBanMessage(context.Background(), "10.0.0.2", remote); err != nil {
		t.Fatalf("handleBanMessage() error = %v", err)
	}
	if !p.Server().IsBanned("10.0.0.2") {
		t.Error("remote ban was not applied")
	}

	if err := p.handleBanMessage(context.Background(), "", []byte("{")); err == nil {
		t.Error("handleBanMessage() should fail on a bad payload")
	}
}

func TestPool_BanGroupID(t *testing.T) {
	p, _, _ := newTestPool(t, testConfig(), &fakeDaemon{})
	if got := p.banGroupID(); got != "equipool-bans-deadbeef" {
		t.Errorf("banGroupID() = %s", got)
	}
}

// miner drives the other end of a net.Pipe
type miner struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (m *miner) send(line string) {
	m.t.Helper()
	_ = m.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := m.conn.Write([]byte(line + "\n")); err != nil {
		m.t.Fatalf("write: %v", err)
	}
}

func (m *miner) read() map[string]any {
	m.t.Helper()
	_ = m.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := m.r.ReadString('\n')
	if err != nil {
		m.t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		m.t.Fatalf("bad line %q: %v", line, err)
	}
	return msg
}

func TestPool_MinerSession(t *testing.T) {
	d := &fakeDaemon{template: testTemplate(strings.Repeat("aa", 32), 42), accept: true}
	p, recorder, events := newTestPool(t, testConfig(), d)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := p.Shutdown(shutdownCtx); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	}()

	serverConn, minerConn := net.Pipe()
	if _, ok := p.Server().HandleNewClient(serverConn, 3333); !ok {
		t.Fatal("HandleNewClient() refused the miner")
	}
	m := &miner{t: t, conn: minerConn, r: bufio.NewReader(minerConn)}

	m.send(`{"id":1,"method":"mining.subscribe","params":["miner/1.0"]}`)
	if got := m.read(); !reflect.DeepEqual(got["result"], []any{nil, "deadbeef00000000"}) {
		t.Fatalf("subscribe result = %v", got["result"])
	}
	if got := m.read(); got["method"] != "mining.set_difficulty" {
		t.Fatalf("expected set_difficulty, got %v", got)
	}
	notify := m.read()
	params, _ := notify["params"].([]any)
	if notify["method"] != "mining.notify" || len(params) != 5 || params[0] != "1" || params[4] != true {
		t.Fatalf("notify = %v", notify)
	}

	m.send(`{"id":2,"method":"mining.authorize","params":["w1","x"]}`)
	if got := m.read(); got["result"] != true {
		t.Fatalf("authorize result = %v", got)
	}

	solution := "fd4005" + strings.Repeat("3c", jobs.SolutionSize)
	m.send(`{"id":3,"method":"mining.submit","params":["w1","1","0000000065000000","` +
		strings.Repeat("0", 48) + `","` + solution + `"]}`)
	if got := m.read(); got["result"] != true || got["error"] != nil {
		t.Fatalf("submit reply = %v", got)
	}

	share := recorder.next(t)
	if !share.Valid || !share.ValidBlock || share.Height != 42 || share.Port != 3333 {
		t.Errorf("recorded share = %+v", share)
	}
	if _, submits := d.calls(); submits != 1 {
		t.Errorf("submitblock calls = %d, want 1", submits)
	}
	if d.submits[0].nonce != "deadbeef00000000"+strings.Repeat("0", 48) {
		t.Errorf("submitted nonce = %s", d.submits[0].nonce)
	}

	m.send(`{"id":4,"method":"mining.submit","params":["w1","1","0000000065000000","` +
		strings.Repeat("0", 48) + `","` + solution + `"]}`)
	dup := m.read()
	if errList, _ := dup["error"].([]any); len(errList) != 3 || errList[0] != float64(22) {
		t.Errorf("duplicate reply = %v", dup)
	}
	if dup := recorder.next(t); dup.Valid || dup.Error != "duplicate share" {
		t.Errorf("duplicate share = %+v", dup)
	}

	if topics := events.topics(); len(topics) < 2 || topics[0] != messaging.TopicShares || topics[1] != messaging.TopicBlocks {
		t.Errorf("published topics = %v", topics)
	}
}
