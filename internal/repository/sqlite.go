package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mmeshcher/stellafill-shop/internal/model"
)

// SQLiteRepository хранит покупки и белый список в SQLite. Моменты времени
// хранятся в миллисекундах Unix (UTC).
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository открывает базу по строке вида "sqlite:./data/shop.db" или
// "file:...", применяет миграции и возвращает репозиторий.
func NewSQLiteRepository(ctx context.Context, dsn string) (*SQLiteRepository, error) {
	if path, ok := strings.CutPrefix(dsn, "sqlite:"); ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
		dsn = fmt.Sprintf(
			"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
			path,
		)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	// Одно соединение: транзакции сериализуются, in-memory база живёт вместе с ним.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations/sqlite"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

// Close закрывает соединение с БД.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func toMs(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMs(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// CreatePurchase сохраняет новую покупку в статусе pending.
func (r *SQLiteRepository) CreatePurchase(ctx context.Context, p *model.Purchase) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO shop_transactions
  (id, player_name, player_key, email, ticket_type, amount, session_id, start_at_ms, end_at_ms, status, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, p.ID, p.PlayerName, model.PlayerKey(p.PlayerName), p.Email, string(p.Tier), p.Amount, p.SessionID,
		toMs(p.Window.Start), toMs(p.Window.End), string(p.State), toMs(p.CreatedAt), toMs(p.CreatedAt))
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return fmt.Errorf("%w: %s", ErrDuplicateSession, p.SessionID)
		}
		return fmt.Errorf("insert purchase: %w", err)
	}
	return nil
}

const sqlitePurchaseColumns = `id, player_name, email, ticket_type, amount, session_id, payment_id,
  start_at_ms, end_at_ms, status, created_at_ms, updated_at_ms`

func scanSQLitePurchase(row *sql.Row) (*model.Purchase, error) {
	var (
		p                  model.Purchase
		tier, state        string
		paymentID          sql.NullString
		startMs, endMs     int64
		createdMs, updated int64
	)
	err := row.Scan(&p.ID, &p.PlayerName, &p.Email, &tier, &p.Amount, &p.SessionID, &paymentID,
		&startMs, &endMs, &state, &createdMs, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPurchaseNotFound
		}
		return nil, fmt.Errorf("scan purchase: %w", err)
	}

	p.Tier = model.TicketTier(tier)
	p.State = model.PurchaseState(state)
	p.PaymentID = paymentID.String
	p.Window = model.Window{Start: fromMs(startMs), End: fromMs(endMs)}
	p.CreatedAt = fromMs(createdMs)
	p.UpdatedAt = fromMs(updated)
	return &p, nil
}

// GetPurchaseBySession возвращает покупку по идентификатору платёжной сессии.
func (r *SQLiteRepository) GetPurchaseBySession(ctx context.Context, sessionID string) (*model.Purchase, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sqlitePurchaseColumns+` FROM shop_transactions WHERE session_id = ?`,
		sessionID,
	)
	return scanSQLitePurchase(row)
}

// GetPurchaseByPayment возвращает последнюю покупку по идентификатору платежа.
func (r *SQLiteRepository) GetPurchaseByPayment(ctx context.Context, paymentID string) (*model.Purchase, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sqlitePurchaseColumns+` FROM shop_transactions
		 WHERE payment_id = ?
		 ORDER BY created_at_ms DESC
		 LIMIT 1`,
		paymentID,
	)
	return scanSQLitePurchase(row)
}

// HasActivePurchase сообщает, есть ли у игрока оплаченный билет, действующий в момент now.
func (r *SQLiteRepository) HasActivePurchase(ctx context.Context, playerName string, now time.Time) (bool, error) {
	nowMs := toMs(now)

	var count int
	err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM shop_transactions
WHERE player_key = ? AND status = ? AND start_at_ms <= ? AND end_at_ms >= ?;
`, model.PlayerKey(playerName), string(model.PurchaseStateCompleted), nowMs, nowMs).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check active purchase: %w", err)
	}
	return count > 0, nil
}

// TransitionPurchase переводит покупку из tr.From в tr.To, только если текущий статус
// равен tr.From, и применяет побочный эффект перехода в той же транзакции.
func (r *SQLiteRepository) TransitionPurchase(ctx context.Context, tr model.Transition) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	atMs := toMs(tr.At)

	var (
		player, key    string
		tier           string
		startMs, endMs int64
	)
	err = tx.QueryRowContext(ctx, `
UPDATE shop_transactions
SET status = ?,
    payment_id = COALESCE(NULLIF(?, ''), payment_id),
    updated_at_ms = ?
WHERE session_id = ? AND status = ?
RETURNING player_name, player_key, ticket_type, start_at_ms, end_at_ms;
`, string(tr.To), tr.PaymentID, atMs, tr.SessionID, string(tr.From)).Scan(&player, &key, &tier, &startMs, &endMs)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update purchase status: %w", err)
	}

	switch tr.To {
	case model.PurchaseStateCompleted:
		if _, err := tx.ExecContext(ctx, `
INSERT INTO shop_whitelist (player_key, player_name, ticket_type, start_at_ms, end_at_ms, active, updated_at_ms)
VALUES (?, ?, ?, ?, ?, 1, ?)
ON CONFLICT (player_key) DO UPDATE
SET player_name = excluded.player_name,
    ticket_type = excluded.ticket_type,
    start_at_ms = excluded.start_at_ms,
    end_at_ms = excluded.end_at_ms,
    active = 1,
    updated_at_ms = excluded.updated_at_ms;
`, key, player, tier, startMs, endMs, atMs); err != nil {
			return false, fmt.Errorf("upsert whitelist: %w", err)
		}
	case model.PurchaseStateRefunded:
		if _, err := tx.ExecContext(ctx, `
UPDATE shop_whitelist SET active = 0, updated_at_ms = ?
WHERE player_key = ? AND start_at_ms = ? AND end_at_ms = ? AND active = 1;
`, atMs, key, startMs, endMs); err != nil {
			return false, fmt.Errorf("revoke whitelist: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

// SweepExpiredAccess деактивирует записи белого списка, окно которых закончилось до now.
func (r *SQLiteRepository) SweepExpiredAccess(ctx context.Context, now time.Time) (int64, error) {
	nowMs := toMs(now)

	res, err := r.db.ExecContext(ctx, `
UPDATE shop_whitelist SET active = 0, updated_at_ms = ?
WHERE active = 1 AND end_at_ms < ?;
`, nowMs, nowMs)
	if err != nil {
		return 0, fmt.Errorf("sweep whitelist: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAccess(row rowScanner) (*model.AccessEntry, error) {
	var (
		e                         model.AccessEntry
		tier                      string
		startMs, endMs, updatedMs int64
		active                    int
	)
	if err := row.Scan(&e.PlayerName, &tier, &startMs, &endMs, &active, &updatedMs); err != nil {
		return nil, err
	}
	e.Tier = model.TicketTier(tier)
	e.Window = model.Window{Start: fromMs(startMs), End: fromMs(endMs)}
	e.Active = active != 0
	e.UpdatedAt = fromMs(updatedMs)
	return &e, nil
}

const sqliteAccessColumns = `player_name, ticket_type, start_at_ms, end_at_ms, active, updated_at_ms`

// GetAccess возвращает запись белого списка игрока.
func (r *SQLiteRepository) GetAccess(ctx context.Context, playerName string) (*model.AccessEntry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sqliteAccessColumns+` FROM shop_whitelist WHERE player_key = ?`,
		model.PlayerKey(playerName),
	)
	e, err := scanSQLiteAccess(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccessNotFound
		}
		return nil, fmt.Errorf("get access: %w", err)
	}
	return e, nil
}

// ListActiveAccess возвращает активные записи белого списка.
func (r *SQLiteRepository) ListActiveAccess(ctx context.Context) ([]model.AccessEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sqliteAccessColumns+` FROM shop_whitelist WHERE active = 1 ORDER BY player_key`,
	)
	if err != nil {
		return nil, fmt.Errorf("select whitelist: %w", err)
	}
	defer rows.Close()

	var res []model.AccessEntry
	for rows.Next() {
		e, err := scanSQLiteAccess(rows)
		if err != nil {
			return nil, fmt.Errorf("scan access: %w", err)
		}
		res = append(res, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
