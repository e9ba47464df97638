package notification

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// testNow はテストで使う固定時刻。
var testNow = time.Date(2026, 10, 1, 9, 30, 0, 0, time.UTC)

// newTestBuilder は時刻を固定したBuilderを返す。
func newTestBuilder(now time.Time) *Builder {
	b := NewBuilder(DefaultCatalog())
	b.now = func() time.Time { return now }
	return b
}

// fakeStore は呼び出しを記録するインメモリのStore。
// errが設定されている場合はすべての操作がそのエラーを返す。
type fakeStore struct {
	mu      sync.Mutex
	lists   map[string][]Notification
	reads   map[string]map[string]bool
	appends int
	err     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		lists: map[string][]Notification{},
		reads: map[string]map[string]bool{},
	}
}

func (f *fakeStore) Append(_ context.Context, userID string, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends++
	if f.err != nil {
		return f.err
	}
	list := append([]Notification{n}, f.lists[userID]...)
	if len(list) > MaxNotificationsPerUser {
		list = list[:MaxNotificationsPerUser]
	}
	f.lists[userID] = list
	return nil
}

func (f *fakeStore) List(_ context.Context, userID string, offset, limit int) ([]Notification, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, 0, f.err
	}
	list := f.lists[userID]
	items := []Notification{}
	if offset >= 0 && limit > 0 && offset < len(list) {
		end := min(offset+limit, len(list))
		for _, n := range list[offset:end] {
			n.Read = f.reads[userID][n.ID]
			items = append(items, n)
		}
	}
	return items, len(list), nil
}

func (f *fakeStore) MarkRead(_ context.Context, userID, notificationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.reads[userID] == nil {
		f.reads[userID] = map[string]bool{}
	}
	f.reads[userID][notificationID] = true
	return nil
}

func (f *fakeStore) Clear(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	delete(f.lists, userID)
	return nil
}

func (f *fakeStore) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) appendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appends
}

// captureHandler はログレコードをメモリに保持するslog.Handler。
type captureHandler struct {
	mu      *sync.Mutex
	records *[]slog.Record
}

func newCaptureLogger() (*slog.Logger, *captureHandler) {
	h := &captureHandler{mu: &sync.Mutex{}, records: &[]slog.Record{}}
	return slog.New(h), h
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.records = append(*h.records, r.Clone())
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h *captureHandler) WithGroup(string) slog.Handler { return h }

// events はevent属性の値を記録順に返す。
func (h *captureHandler) events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, r := range *h.records {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "event" {
				out = append(out, a.Value.String())
				return false
			}
			return true
		})
	}
	return out
}

// count は指定したevent属性を持つレコードの数を返す。
func (h *captureHandler) count(event string) int {
	n := 0
	for _, e := range h.events() {
		if e == event {
			n++
		}
	}
	return n
}
