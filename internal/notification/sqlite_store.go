package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// purgeInterval は失効済みの行をまとめて削除する最短の間隔。
const purgeInterval = time.Hour

// SQLiteStore はRedisを用意できない環境向けのStore。
// Redisと同じく上限100件、最終書き込みから30日の失効、既読マーカーの独立した失効を守る。
// 失効は読み書きの時点で判定し、失効済みの行はAppendとMarkReadのついでに
// purgeIntervalごとに削除する。
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	locks  *userLocks
	now    func() time.Time

	purgeMu   sync.Mutex
	lastPurge time.Time
}

// OpenSQLiteStore はSQLiteファイルを開き、マイグレーションを適用する。
// pathに ":memory:" を渡すとインメモリデータベースになる。
func OpenSQLiteStore(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// インメモリDBを接続間で共有するため、接続は1本に限定する。
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &SQLiteStore{
		db:     db,
		logger: logger,
		locks:  newUserLocks(),
		now:    time.Now,
	}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, userID string, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("通知のシリアライズに失敗: %w", err)
	}

	s.purgeIfDue(ctx)

	unlock := s.locks.lock(userID)
	defer unlock()

	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("append", err)
	}
	defer func() { _ = tx.Rollback() }()

	// 失効済みのリストは新しいリストとして扱う。
	var expiresAt int64
	err = tx.QueryRowContext(ctx,
		"SELECT expires_at FROM notification_lists WHERE user_id = ?", userID,
	).Scan(&expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return unavailable("append", err)
	case expiresAt <= now.Unix():
		if _, err := tx.ExecContext(ctx, "DELETE FROM notifications WHERE user_id = ?", userID); err != nil {
			return unavailable("append", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO notifications (user_id, notification_id, body, created_at) VALUES (?, ?, ?, ?)",
		userID, n.ID, string(body), now.Unix(),
	); err != nil {
		return unavailable("append", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE user_id = ? AND seq NOT IN (
			SELECT seq FROM notifications WHERE user_id = ? ORDER BY seq DESC LIMIT ?
		)`, userID, userID, MaxNotificationsPerUser,
	); err != nil {
		return unavailable("append", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO notification_lists (user_id, expires_at) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET expires_at = excluded.expires_at`,
		userID, now.Add(NotificationTTL).Unix(),
	); err != nil {
		return unavailable("append", err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("append", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, userID string, offset, limit int) ([]Notification, int, error) {
	now := s.now().Unix()

	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT expires_at FROM notification_lists WHERE user_id = ?", userID,
	).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return []Notification{}, 0, nil
	}
	if err != nil {
		return nil, 0, unavailable("list", err)
	}
	if expiresAt <= now {
		return []Notification{}, 0, nil
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM notifications WHERE user_id = ?", userID,
	).Scan(&total); err != nil {
		return nil, 0, unavailable("list", err)
	}
	if offset < 0 || limit <= 0 {
		return []Notification{}, total, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT n.body, EXISTS (
			SELECT 1 FROM notification_reads r
			WHERE r.user_id = n.user_id AND r.notification_id = n.notification_id AND r.expires_at > ?
		)
		FROM notifications n
		WHERE n.user_id = ?
		ORDER BY n.seq DESC
		LIMIT ? OFFSET ?`, now, userID, limit, offset,
	)
	if err != nil {
		return nil, 0, unavailable("list", err)
	}
	defer rows.Close()

	items := []Notification{}
	for rows.Next() {
		var body string
		var read bool
		if err := rows.Scan(&body, &read); err != nil {
			return nil, 0, unavailable("list", err)
		}
		var n Notification
		if err := json.Unmarshal([]byte(body), &n); err != nil {
			s.logger.Warn("壊れた通知エントリを読み飛ばしました",
				"event", "store_entry_corrupt",
				"module", "internal/notification",
				"layer", "store",
				"user_id", userID,
				"error", err.Error(),
			)
			continue
		}
		n.Read = read
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, unavailable("list", err)
	}
	return items, total, nil
}

func (s *SQLiteStore) MarkRead(ctx context.Context, userID, notificationID string) error {
	s.purgeIfDue(ctx)

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_reads (user_id, notification_id, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id, notification_id) DO UPDATE SET expires_at = excluded.expires_at`,
		userID, notificationID, s.now().Add(ReadMarkerTTL).Unix(),
	); err != nil {
		return unavailable("mark_read", err)
	}
	return nil
}

// Clear は通知リストを削除する。既読マーカーは残り、各自の期限で失効する。
func (s *SQLiteStore) Clear(ctx context.Context, userID string) error {
	unlock := s.locks.lock(userID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("clear", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM notifications WHERE user_id = ?", userID); err != nil {
		return unavailable("clear", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM notification_lists WHERE user_id = ?", userID); err != nil {
		return unavailable("clear", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("clear", err)
	}
	return nil
}

// purgeIfDue は前回からpurgeInterval以上経っていれば失効済みの行を削除する。
// 失敗しても呼び出し元の書き込みは続行する。
func (s *SQLiteStore) purgeIfDue(ctx context.Context) {
	now := s.now()
	s.purgeMu.Lock()
	if !s.lastPurge.IsZero() && now.Sub(s.lastPurge) < purgeInterval {
		s.purgeMu.Unlock()
		return
	}
	s.lastPurge = now
	s.purgeMu.Unlock()

	lists, reads, err := s.purgeExpired(ctx, now.Unix())
	if err != nil {
		s.logger.Warn("失効済みの通知の削除に失敗しました",
			"event", "store_purge_failed",
			"module", "internal/notification",
			"layer", "store",
			"error", err.Error(),
		)
		return
	}
	if lists > 0 || reads > 0 {
		s.logger.Debug("失効済みの通知を削除しました",
			"event", "store_purged",
			"module", "internal/notification",
			"layer", "store",
			"lists", lists,
			"read_markers", reads,
		)
	}
}

// purgeExpired は失効したリストとその通知、失効した既読マーカーを削除する。
func (s *SQLiteStore) purgeExpired(ctx context.Context, now int64) (lists, reads int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE user_id IN (SELECT user_id FROM notification_lists WHERE expires_at <= ?)`, now,
	); err != nil {
		return 0, 0, err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM notification_lists WHERE expires_at <= ?", now)
	if err != nil {
		return 0, 0, err
	}
	if lists, err = res.RowsAffected(); err != nil {
		return 0, 0, err
	}
	res, err = tx.ExecContext(ctx, "DELETE FROM notification_reads WHERE expires_at <= ?", now)
	if err != nil {
		return 0, 0, err
	}
	if reads, err = res.RowsAffected(); err != nil {
		return 0, 0, err
	}
	return lists, reads, tx.Commit()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
