package ledger

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies the embedded ledger schema to databaseURL.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(databaseURL))
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// migrateURL rewrites a libpq URL to the scheme registered by the pgx/v5
// migrate driver.
func migrateURL(databaseURL string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, prefix)
		}
	}
	return databaseURL
}

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	Pool *pgxpool.Pool
}

// NewPostgres wraps an open pool. Call Migrate before first use.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{Pool: pool}
}

const intentColumns = `id, client_secret, amount, currency, status, order_id, customer, plan, vin, metadata,
	return_url, redirect_url, backend, simulated, created_at, updated_at`

const paymentColumns = `id, payment_intent_id, order_id, status, amount, currency, card_last4, customer_email,
	source, simulated, created_at`

func (p *Postgres) PutIntent(ctx context.Context, in Intent) error {
	_, err := p.Pool.Exec(ctx, `INSERT INTO ledger_intents (`+intentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		in.ID, in.ClientSecret, in.Amount, in.Currency, in.Status, in.OrderID, in.Customer, in.Plan, in.VIN,
		in.Metadata, in.ReturnURL, in.RedirectURL, in.Backend, in.Simulated, in.CreatedAt, in.UpdatedAt)
	return translate(err)
}

func (p *Postgres) GetIntent(ctx context.Context, id string) (Intent, error) {
	row := p.Pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM ledger_intents WHERE id = $1`, id)
	return scanIntent(row)
}

func (p *Postgres) GetIntentByOrder(ctx context.Context, orderID string) (Intent, error) {
	row := p.Pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM ledger_intents WHERE order_id = $1 ORDER BY seq LIMIT 1`, orderID)
	return scanIntent(row)
}

func (p *Postgres) UpdateIntentStatus(ctx context.Context, id, status string) (Intent, error) {
	row := p.Pool.QueryRow(ctx, `UPDATE ledger_intents SET status = $2, updated_at = $3 WHERE id = $1
		RETURNING `+intentColumns, id, status, time.Now().UTC())
	return scanIntent(row)
}

func (p *Postgres) ListIntents(ctx context.Context) ([]Intent, error) {
	rows, err := p.Pool.Query(ctx, `SELECT `+intentColumns+` FROM ledger_intents ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Intent{}
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (p *Postgres) PutPayment(ctx context.Context, pay Payment) error {
	_, err := p.Pool.Exec(ctx, `INSERT INTO ledger_payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		pay.ID, pay.PaymentIntentID, pay.OrderID, pay.Status, pay.Amount, pay.Currency, pay.CardLast4,
		pay.CustomerEmail, pay.Source, pay.Simulated, pay.CreatedAt)
	return translate(err)
}

func (p *Postgres) GetPayment(ctx context.Context, id string) (Payment, error) {
	row := p.Pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM ledger_payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (p *Postgres) GetPaymentByOrder(ctx context.Context, orderID string) (Payment, error) {
	row := p.Pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM ledger_payments WHERE order_id = $1 ORDER BY seq LIMIT 1`, orderID)
	return scanPayment(row)
}

func (p *Postgres) PaymentsForIntent(ctx context.Context, intentID string) ([]Payment, error) {
	return p.queryPayments(ctx, `SELECT `+paymentColumns+` FROM ledger_payments WHERE payment_intent_id = $1 ORDER BY seq`, intentID)
}

func (p *Postgres) ListPayments(ctx context.Context) ([]Payment, error) {
	return p.queryPayments(ctx, `SELECT `+paymentColumns+` FROM ledger_payments ORDER BY seq`)
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.Pool.Ping(ctx)
}

func (p *Postgres) queryPayments(ctx context.Context, sql string, args ...any) ([]Payment, error) {
	rows, err := p.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Payment{}
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pay)
	}
	return out, rows.Err()
}

func scanIntent(row pgx.Row) (Intent, error) {
	var in Intent
	err := row.Scan(&in.ID, &in.ClientSecret, &in.Amount, &in.Currency, &in.Status, &in.OrderID, &in.Customer,
		&in.Plan, &in.VIN, &in.Metadata, &in.ReturnURL, &in.RedirectURL, &in.Backend, &in.Simulated,
		&in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return Intent{}, translate(err)
	}
	return in, nil
}

func scanPayment(row pgx.Row) (Payment, error) {
	var pay Payment
	err := row.Scan(&pay.ID, &pay.PaymentIntentID, &pay.OrderID, &pay.Status, &pay.Amount, &pay.Currency,
		&pay.CardLast4, &pay.CustomerEmail, &pay.Source, &pay.Simulated, &pay.CreatedAt)
	if err != nil {
		return Payment{}, translate(err)
	}
	return pay, nil
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}
