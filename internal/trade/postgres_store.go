package trade

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists trade data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Trade) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, trade_key, chain_id, token_symbol, seller_addr, buyer_addr,
			amount, status, tx_hash, payment_evidence,
			seller_signed, buyer_signed,
			taken_at, completed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12,
			$13, $14, $15, $16
		)`,
		t.ID, t.TradeKey, t.ChainID, t.TokenSymbol, t.SellerAddr, t.BuyerAddr,
		t.Amount, string(t.Status), nullString(t.TxHash), nullString(t.PaymentEvidence),
		t.SellerSigned, t.BuyerSigned,
		nullTime(t.TakenAt), nullTime(t.CompletedAt), t.CreatedAt, t.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrTradeExists
	}
	return err
}

// Postgres error code for duplicate primary/unique keys.
const uniqueViolation = "23505"

const tradeColumns = `id, trade_key, chain_id, token_symbol, seller_addr, buyer_addr,
		       amount, status, tx_hash, payment_evidence,
		       seller_signed, buyer_signed,
		       taken_at, completed_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)

	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	return t, err
}

func (p *PostgresStore) GetByKey(ctx context.Context, tradeKey string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE trade_key = $1`, strings.ToLower(tradeKey))

	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	return t, err
}

// Update persists mutable trade fields. The trade key never changes, so
// the WHERE clause pins it and a mismatch surfaces as ErrTradeKeyChanged.
func (p *PostgresStore) Update(ctx context.Context, t *Trade) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE trades SET
			status = $1, tx_hash = $2, payment_evidence = $3,
			seller_signed = $4, buyer_signed = $5,
			taken_at = $6, completed_at = $7, updated_at = $8
		WHERE id = $9 AND trade_key = $10`,
		string(t.Status), nullString(t.TxHash), nullString(t.PaymentEvidence),
		t.SellerSigned, t.BuyerSigned,
		nullTime(t.TakenAt), nullTime(t.CompletedAt), t.UpdatedAt,
		t.ID, t.TradeKey,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		exists, err := p.exists(ctx, t.ID)
		if err != nil {
			return err
		}
		if exists {
			return ErrTradeKeyChanged
		}
		return ErrTradeNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, addr string, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE seller_addr = $1 OR buyer_addr = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, strings.ToLower(addr), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

func (p *PostgresStore) ListPage(ctx context.Context, f ListFilter, limit int) ([]*Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE 1=1`
	args := []interface{}{}
	n := 0
	add := func(clause string, v interface{}) {
		n++
		args = append(args, v)
		query += clause
	}

	if f.Party != "" {
		party := strings.ToLower(f.Party)
		n++
		args = append(args, party)
		query += ` AND (seller_addr = $` + strconv.Itoa(n) + ` OR buyer_addr = $` + strconv.Itoa(n) + `)`
	}
	if f.Status != "" {
		add(` AND status = $`+strconv.Itoa(n+1), string(f.Status))
	}
	if f.ChainID != 0 {
		add(` AND chain_id = $`+strconv.Itoa(n+1), f.ChainID)
	}
	if f.CursorCreatedAt != nil {
		n++
		args = append(args, *f.CursorCreatedAt)
		n++
		args = append(args, f.CursorID)
		query += ` AND (created_at, id) < ($` + strconv.Itoa(n-1) + `, $` + strconv.Itoa(n) + `)`
	}
	add(` ORDER BY created_at DESC, id DESC LIMIT $`+strconv.Itoa(n+1), limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE status NOT IN ('completed', 'cancelled')
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

func (p *PostgresStore) exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM trades WHERE id = $1`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*Trade, error) {
	t := &Trade{}
	var (
		status      string
		txHash      sql.NullString
		evidence    sql.NullString
		takenAt     sql.NullTime
		completedAt sql.NullTime
	)

	err := s.Scan(
		&t.ID, &t.TradeKey, &t.ChainID, &t.TokenSymbol, &t.SellerAddr, &t.BuyerAddr,
		&t.Amount, &status, &txHash, &evidence,
		&t.SellerSigned, &t.BuyerSigned,
		&takenAt, &completedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.TxHash = txHash.String
	t.PaymentEvidence = evidence.String
	if takenAt.Valid {
		t.TakenAt = &takenAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}

	return t, nil
}

func scanTrades(rows *sql.Rows) ([]*Trade, error) {
	var result []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
