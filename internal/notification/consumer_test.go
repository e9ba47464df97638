package notification

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nao1215/taskflow/pkg/broker"
	"github.com/nao1215/taskflow/pkg/event"
	"github.com/nao1215/taskflow/pkg/logger"
)

// fakeSession はConsumerのテスト用Session。
type fakeSession struct {
	mu         sync.Mutex
	declared   []string
	declareErr error
	queues     map[string]chan broker.Delivery
	closed     chan error
	closeOnce  sync.Once
	closeCalls int
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		queues: map[string]chan broker.Delivery{
			event.QueueTaskEvents:         make(chan broker.Delivery),
			event.QueueNotificationEvents: make(chan broker.Delivery),
		},
		closed: make(chan error, 1),
	}
}

func (f *fakeSession) DeclareQueue(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.declareErr != nil {
		return f.declareErr
	}
	f.declared = append(f.declared, name)
	return nil
}

func (f *fakeSession) Consume(queue, _ string) (<-chan broker.Delivery, error) {
	ch, ok := f.queues[queue]
	if !ok {
		return nil, errors.New("未知のキュー")
	}
	return ch, nil
}

func (f *fakeSession) Publish(context.Context, string, []byte) error { return nil }

func (f *fakeSession) NotifyClose() <-chan error { return f.closed }

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()
	return nil
}

// drop は接続断をシミュレートする。
func (f *fakeSession) drop() {
	f.closeOnce.Do(func() {
		f.closed <- errors.New("connection reset by peer")
	})
}

func (f *fakeSession) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

// fakeDialer は最初のfailures回は失敗し、その後sessionsを順に返す。
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	sessions []*fakeSession
	dials    int
}

func (d *fakeDialer) Dial(context.Context) (broker.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, broker.ErrUnavailable
	}
	if len(d.sessions) == 0 {
		return nil, broker.ErrUnavailable
	}
	s := d.sessions[0]
	d.sessions = d.sessions[1:]
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// handlerFunc は関数をMessageHandlerとして扱う。
type handlerFunc func(ctx context.Context, d broker.Delivery) error

func (f handlerFunc) Handle(ctx context.Context, d broker.Delivery) error { return f(ctx, d) }

// consumerProbe は状態遷移と待機時間を記録する。
type consumerProbe struct {
	mu        sync.Mutex
	states    []State
	waits     []time.Duration
	consuming chan struct{}
}

func newConsumerProbe(c *Consumer) *consumerProbe {
	p := &consumerProbe{consuming: make(chan struct{}, 10)}
	c.stateHook = func(s State) {
		p.mu.Lock()
		p.states = append(p.states, s)
		p.mu.Unlock()
		if s == StateConsuming {
			p.consuming <- struct{}{}
		}
	}
	c.wait = func(ctx context.Context, d time.Duration) error {
		p.mu.Lock()
		p.waits = append(p.waits, d)
		p.mu.Unlock()
		return ctx.Err()
	}
	return p
}

func (p *consumerProbe) count(s State) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, v := range p.states {
		if v == s {
			n++
		}
	}
	return n
}

func (p *consumerProbe) waitDurations() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.waits)
}

func waitConsuming(t *testing.T, p *consumerProbe) {
	t.Helper()
	select {
	case <-p.consuming:
	case <-time.After(5 * time.Second):
		t.Fatal("Consuming状態に到達しなかった")
	}
}

func TestConsumer_Reconnect(t *testing.T) {
	t.Parallel()

	t.Run("接続断の後に3回接続に失敗してから1度だけConsumingに戻ること", func(t *testing.T) {
		t.Parallel()

		first, second := newFakeSession(), newFakeSession()
		dialer := &fakeDialer{sessions: []*fakeSession{first, second}}
		log, capture := newCaptureLogger()
		c := NewConsumer(dialer, handlerFunc(func(context.Context, broker.Delivery) error { return nil }), log, 0)
		probe := newConsumerProbe(c)

		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		waitConsuming(t, probe)

		dialer.mu.Lock()
		dialer.failures = 3
		dialer.mu.Unlock()
		first.drop()

		waitConsuming(t, probe)
		c.Stop()

		if got := capture.count("broker_connect_failed"); got != 3 {
			t.Errorf("接続失敗のログ = %d件, want 3", got)
		}
		waits := probe.waitDurations()
		if len(waits) != 4 {
			t.Fatalf("待機回数 = %d, want 4 (接続断1回と接続失敗3回)", len(waits))
		}
		for i, w := range waits {
			if w < 5*time.Second {
				t.Errorf("waits[%d] = %v, want >= 5s", i, w)
			}
		}
		if got := probe.count(StateConsuming); got != 2 {
			t.Errorf("Consumingへの遷移 = %d回, want 2 (起動時と再接続後)", got)
		}
		if got := dialer.dialCount(); got != 5 {
			t.Errorf("Dial回数 = %d, want 5", got)
		}
		if c.State() != StateShuttingDown {
			t.Errorf("State() = %v, want shutting_down", c.State())
		}
	})

	t.Run("接続が失われた場合は待機してから再接続すること", func(t *testing.T) {
		t.Parallel()

		first, second := newFakeSession(), newFakeSession()
		dialer := &fakeDialer{sessions: []*fakeSession{first, second}}
		log, capture := newCaptureLogger()
		c := NewConsumer(dialer, handlerFunc(func(context.Context, broker.Delivery) error { return nil }), log, time.Second)
		probe := newConsumerProbe(c)

		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		waitConsuming(t, probe)

		first.drop()
		waitConsuming(t, probe)
		c.Stop()

		if got := capture.count("broker_connection_lost"); got != 1 {
			t.Errorf("接続断のログ = %d件, want 1", got)
		}
		if waits := probe.waitDurations(); len(waits) != 1 || waits[0] != time.Second {
			t.Errorf("waits = %v, want [1s]", waits)
		}
		if first.closeCount() == 0 {
			t.Error("切断されたセッションが解放されていない")
		}
		if second.closeCount() == 0 {
			t.Error("Stop後にセッションが解放されていない")
		}
	})

	t.Run("キュー宣言の失敗も再接続の対象になること", func(t *testing.T) {
		t.Parallel()

		first := newFakeSession()
		broken := newFakeSession()
		broken.declareErr = errors.New("channel closed")
		dialer := &fakeDialer{sessions: []*fakeSession{first, broken, newFakeSession()}}
		log, capture := newCaptureLogger()
		c := NewConsumer(dialer, handlerFunc(func(context.Context, broker.Delivery) error { return nil }), log, 0)
		probe := newConsumerProbe(c)

		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		defer c.Stop()
		waitConsuming(t, probe)

		first.drop()
		waitConsuming(t, probe)
		if got := capture.count("broker_connect_failed"); got != 1 {
			t.Errorf("接続失敗のログ = %d件, want 1", got)
		}
		if broken.closeCount() == 0 {
			t.Error("宣言に失敗したセッションが解放されていない")
		}
	})
}

func TestConsumer_Dispatch(t *testing.T) {
	t.Parallel()

	t.Run("メッセージはackされてからハンドラーに渡されること", func(t *testing.T) {
		t.Parallel()

		session := newFakeSession()
		dialer := &fakeDialer{sessions: []*fakeSession{session}}

		var mu sync.Mutex
		var calls []string
		handled := make(chan struct{}, 2)
		h := handlerFunc(func(_ context.Context, d broker.Delivery) error {
			mu.Lock()
			calls = append(calls, "handle:"+d.Queue)
			mu.Unlock()
			handled <- struct{}{}
			return nil
		})
		c := NewConsumer(dialer, h, logger.Discard(), 0)
		probe := newConsumerProbe(c)

		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		t.Cleanup(c.Stop)
		waitConsuming(t, probe)

		if !c.Connected() {
			t.Error("Connected() = false, want true")
		}
		if got := session.declared; !slices.Equal(got, []string{event.QueueTaskEvents, event.QueueNotificationEvents}) {
			t.Errorf("宣言したキュー = %v", got)
		}

		for _, q := range []string{event.QueueTaskEvents, event.QueueNotificationEvents} {
			session.queues[q] <- broker.NewDelivery(q, []byte(`{}`), func() error {
				mu.Lock()
				calls = append(calls, "ack:"+q)
				mu.Unlock()
				return nil
			})
			select {
			case <-handled:
			case <-time.After(5 * time.Second):
				t.Fatal("ハンドラーが呼ばれなかった")
			}
		}

		mu.Lock()
		defer mu.Unlock()
		want := []string{
			"ack:" + event.QueueTaskEvents, "handle:" + event.QueueTaskEvents,
			"ack:" + event.QueueNotificationEvents, "handle:" + event.QueueNotificationEvents,
		}
		if !slices.Equal(calls, want) {
			t.Errorf("calls = %v, want %v", calls, want)
		}
	})

	t.Run("ハンドラーのエラーはログに残して処理を続けること", func(t *testing.T) {
		t.Parallel()

		session := newFakeSession()
		dialer := &fakeDialer{sessions: []*fakeSession{session}}
		handled := make(chan struct{}, 2)
		h := handlerFunc(func(context.Context, broker.Delivery) error {
			handled <- struct{}{}
			return ErrStoreUnavailable
		})
		log, capture := newCaptureLogger()
		c := NewConsumer(dialer, h, log, 0)
		probe := newConsumerProbe(c)

		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		waitConsuming(t, probe)

		for range 2 {
			session.queues[event.QueueTaskEvents] <- broker.NewDelivery(event.QueueTaskEvents, []byte(`{}`), nil)
			<-handled
		}
		c.Stop()

		if got := capture.count("message_handle_failed"); got != 2 {
			t.Errorf("処理失敗のログ = %d件, want 2", got)
		}
		if got := probe.count(StateConsuming); got != 1 {
			t.Errorf("Consumingへの遷移 = %d回, want 1", got)
		}
	})

	t.Run("Stopは処理中のメッセージの完了を待ちストア書き込みをキャンセルしないこと", func(t *testing.T) {
		t.Parallel()

		session := newFakeSession()
		dialer := &fakeDialer{sessions: []*fakeSession{session}}
		started := make(chan struct{})
		release := make(chan struct{})
		var handlerCtxErr error
		h := handlerFunc(func(ctx context.Context, _ broker.Delivery) error {
			close(started)
			<-release
			handlerCtxErr = ctx.Err()
			return nil
		})
		c := NewConsumer(dialer, h, logger.Discard(), 0)
		probe := newConsumerProbe(c)

		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		waitConsuming(t, probe)
		session.queues[event.QueueTaskEvents] <- broker.NewDelivery(event.QueueTaskEvents, []byte(`{}`), nil)
		<-started

		stopped := make(chan struct{})
		go func() {
			c.Stop()
			close(stopped)
		}()

		select {
		case <-stopped:
			t.Fatal("処理中のメッセージを待たずにStopが戻った")
		case <-time.After(50 * time.Millisecond):
		}

		close(release)
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Fatal("Stopが戻らなかった")
		}
		if handlerCtxErr != nil {
			t.Errorf("ハンドラーのctx.Err() = %v, want nil", handlerCtxErr)
		}
		if session.closeCount() == 0 {
			t.Error("Stop後にセッションが解放されていない")
		}
	})
}

func TestConsumer_Lifecycle(t *testing.T) {
	t.Parallel()

	noop := handlerFunc(func(context.Context, broker.Delivery) error { return nil })

	t.Run("Start前のStopと2回目のStopが安全であること", func(t *testing.T) {
		t.Parallel()

		c := NewConsumer(&fakeDialer{}, noop, logger.Discard(), 0)
		c.Stop()
		c.Stop()

		if c.State() != StateShuttingDown {
			t.Errorf("State() = %v, want shutting_down", c.State())
		}
		if err := c.Start(context.Background()); !errors.Is(err, ErrConsumerStopped) {
			t.Errorf("Start() error = %v, want ErrConsumerStopped", err)
		}
	})

	t.Run("Start後のStopを2回呼んでも安全であること", func(t *testing.T) {
		t.Parallel()

		c := NewConsumer(&fakeDialer{sessions: []*fakeSession{newFakeSession()}}, noop, logger.Discard(), 0)
		probe := newConsumerProbe(c)
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		waitConsuming(t, probe)

		c.Stop()
		c.Stop()
		if c.Connected() {
			t.Error("Connected() = true, want false")
		}
	})

	t.Run("最初の接続に失敗した場合Startはエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		dialer := &fakeDialer{failures: 1}
		c := NewConsumer(dialer, noop, logger.Discard(), 0)

		if err := c.Start(context.Background()); !errors.Is(err, broker.ErrUnavailable) {
			t.Fatalf("Start() error = %v, want broker.ErrUnavailable", err)
		}
		if c.State() != StateDisconnected {
			t.Errorf("State() = %v, want disconnected", c.State())
		}
		if got := dialer.dialCount(); got != 1 {
			t.Errorf("Dial回数 = %d, want 1", got)
		}
		c.Stop()
	})

	t.Run("二重のStartはエラーになること", func(t *testing.T) {
		t.Parallel()

		c := NewConsumer(&fakeDialer{sessions: []*fakeSession{newFakeSession()}}, noop, logger.Discard(), 0)
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		t.Cleanup(c.Stop)

		if err := c.Start(context.Background()); err == nil {
			t.Error("2回目のStart() error = nil, want error")
		}
	})
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateSubscribed:   "subscribed",
		StateConsuming:    "consuming",
		StateShuttingDown: "shutting_down",
		State(99):         "state(99)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
