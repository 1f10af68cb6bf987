package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/stellafill-shop/internal/model"
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations/postgres"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при конфликте сериализации, взаимоблокировке и обрыве соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(200*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if pgconn.SafeToRetry(err) || isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreatePurchase сохраняет новую покупку в статусе pending.
func (r *PostgresRepository) CreatePurchase(ctx context.Context, p *model.Purchase) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO shop_transactions
		   (id, player_name, player_key, email, ticket_type, amount, session_id, start_time, end_time, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		p.ID, p.PlayerName, model.PlayerKey(p.PlayerName), p.Email, string(p.Tier), p.Amount, p.SessionID,
		p.Window.Start, p.Window.End, string(p.State), p.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateSession, p.SessionID)
		}
		return fmt.Errorf("insert purchase: %w", err)
	}
	return nil
}

const purchaseColumns = `id, player_name, email, ticket_type, amount, session_id, payment_id,
	start_time, end_time, status, created_at, updated_at`

func scanPurchase(row pgx.Row) (*model.Purchase, error) {
	var (
		p         model.Purchase
		tier      string
		state     string
		paymentID *string
	)
	err := row.Scan(&p.ID, &p.PlayerName, &p.Email, &tier, &p.Amount, &p.SessionID, &paymentID,
		&p.Window.Start, &p.Window.End, &state, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPurchaseNotFound
		}
		return nil, fmt.Errorf("scan purchase: %w", err)
	}

	p.Tier = model.TicketTier(tier)
	p.State = model.PurchaseState(state)
	if paymentID != nil {
		p.PaymentID = *paymentID
	}
	return &p, nil
}

// GetPurchaseBySession возвращает покупку по идентификатору платёжной сессии.
func (r *PostgresRepository) GetPurchaseBySession(ctx context.Context, sessionID string) (*model.Purchase, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+purchaseColumns+` FROM shop_transactions WHERE session_id = $1`,
		sessionID,
	)
	return scanPurchase(row)
}

// GetPurchaseByPayment возвращает последнюю покупку по идентификатору платежа.
func (r *PostgresRepository) GetPurchaseByPayment(ctx context.Context, paymentID string) (*model.Purchase, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+purchaseColumns+` FROM shop_transactions
		 WHERE payment_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`,
		paymentID,
	)
	return scanPurchase(row)
}

// HasActivePurchase сообщает, есть ли у игрока оплаченный билет, действующий в момент now.
func (r *PostgresRepository) HasActivePurchase(ctx context.Context, playerName string, now time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM shop_transactions
		   WHERE player_key = $1 AND status = $2 AND start_time <= $3 AND end_time >= $3
		 )`,
		model.PlayerKey(playerName), string(model.PurchaseStateCompleted), now,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active purchase: %w", err)
	}
	return exists, nil
}

// TransitionPurchase переводит покупку из tr.From в tr.To, только если текущий статус равен tr.From.
// В той же транзакции применяется побочный эффект перехода: при оплате запись белого
// списка игрока заменяется окном покупки, при возврате деактивируется, если всё ещё
// соответствует возвращённой покупке. Возвращает false, если статус уже другой.
func (r *PostgresRepository) TransitionPurchase(ctx context.Context, tr model.Transition) (bool, error) {
	var applied bool

	err := r.withRetry(ctx, func(ctx context.Context) error {
		applied = false

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			player     string
			key        string
			tier       string
			start, end time.Time
		)
		err = tx.QueryRow(ctx,
			`UPDATE shop_transactions
			 SET status = $3,
			     payment_id = COALESCE(NULLIF($4, ''), payment_id),
			     updated_at = $5
			 WHERE session_id = $1 AND status = $2
			 RETURNING player_name, player_key, ticket_type, start_time, end_time`,
			tr.SessionID, string(tr.From), string(tr.To), tr.PaymentID, tr.At,
		).Scan(&player, &key, &tier, &start, &end)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("update purchase status: %w", err)
		}

		switch tr.To {
		case model.PurchaseStateCompleted:
			_, err = tx.Exec(ctx,
				`INSERT INTO shop_whitelist (player_key, player_name, ticket_type, start_time, end_time, active, updated_at)
				 VALUES ($1, $2, $3, $4, $5, TRUE, $6)
				 ON CONFLICT (player_key) DO UPDATE
				 SET player_name = EXCLUDED.player_name,
				     ticket_type = EXCLUDED.ticket_type,
				     start_time = EXCLUDED.start_time,
				     end_time = EXCLUDED.end_time,
				     active = TRUE,
				     updated_at = EXCLUDED.updated_at`,
				key, player, tier, start, end, tr.At,
			)
			if err != nil {
				return fmt.Errorf("upsert whitelist: %w", err)
			}
		case model.PurchaseStateRefunded:
			_, err = tx.Exec(ctx,
				`UPDATE shop_whitelist SET active = FALSE, updated_at = $4
				 WHERE player_key = $1 AND start_time = $2 AND end_time = $3 AND active`,
				key, start, end, tr.At,
			)
			if err != nil {
				return fmt.Errorf("revoke whitelist: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		applied = true
		return nil
	})

	return applied, err
}

// SweepExpiredAccess деактивирует записи белого списка, окно которых закончилось до now.
func (r *PostgresRepository) SweepExpiredAccess(ctx context.Context, now time.Time) (int64, error) {
	var affected int64
	err := r.withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE shop_whitelist SET active = FALSE, updated_at = $1
			 WHERE active AND end_time < $1`,
			now,
		)
		if err != nil {
			return fmt.Errorf("sweep whitelist: %w", err)
		}
		affected = tag.RowsAffected()
		return nil
	})
	return affected, err
}

const accessColumns = `player_name, ticket_type, start_time, end_time, active, updated_at`

func scanAccess(row pgx.Row) (*model.AccessEntry, error) {
	var (
		e    model.AccessEntry
		tier string
	)
	if err := row.Scan(&e.PlayerName, &tier, &e.Window.Start, &e.Window.End, &e.Active, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Tier = model.TicketTier(tier)
	return &e, nil
}

// GetAccess возвращает запись белого списка игрока.
func (r *PostgresRepository) GetAccess(ctx context.Context, playerName string) (*model.AccessEntry, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+accessColumns+` FROM shop_whitelist WHERE player_key = $1`,
		model.PlayerKey(playerName),
	)
	e, err := scanAccess(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccessNotFound
		}
		return nil, fmt.Errorf("get access: %w", err)
	}
	return e, nil
}

// ListActiveAccess возвращает активные записи белого списка.
func (r *PostgresRepository) ListActiveAccess(ctx context.Context) ([]model.AccessEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+accessColumns+` FROM shop_whitelist WHERE active ORDER BY player_key`,
	)
	if err != nil {
		return nil, fmt.Errorf("select whitelist: %w", err)
	}
	defer rows.Close()

	var res []model.AccessEntry
	for rows.Next() {
		e, err := scanAccess(rows)
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
