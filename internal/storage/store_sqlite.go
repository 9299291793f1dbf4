package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Gainium/paper-trading-sh/internal/core"
	apperrors "github.com/Gainium/paper-trading-sh/pkg/errors"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Schema is created on open. Decimals are TEXT, times are Unix millis.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id          TEXT PRIMARY KEY,
	api_key     TEXT NOT NULL,
	api_secret  TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	UNIQUE (api_key, api_secret)
);
CREATE TABLE IF NOT EXISTS orders (
	id                  TEXT PRIMARY KEY,
	external_id         TEXT NOT NULL,
	user_id             TEXT NOT NULL,
	symbol              TEXT NOT NULL,
	exchange            TEXT NOT NULL,
	side                TEXT NOT NULL,
	type                TEXT NOT NULL,
	price               TEXT NOT NULL,
	amount              TEXT NOT NULL,
	quote_amount        TEXT NOT NULL,
	filled_amount       TEXT NOT NULL,
	filled_quote_amount TEXT NOT NULL,
	avg_filled_price    TEXT NOT NULL,
	fee                 TEXT NOT NULL,
	fee_perc            TEXT NOT NULL,
	status              TEXT NOT NULL,
	reduce_only         INTEGER NOT NULL DEFAULT 0,
	position_side       TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL,
	UNIQUE (external_id, symbol)
);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders (user_id, status);
CREATE INDEX IF NOT EXISTS idx_orders_open ON orders (status, type);
CREATE TABLE IF NOT EXISTS positions (
	uuid              TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	exchange          TEXT NOT NULL,
	position_side     TEXT NOT NULL,
	position_amt      TEXT NOT NULL,
	entry_price       TEXT NOT NULL,
	margin            TEXT NOT NULL,
	liquidation_price TEXT NOT NULL,
	leverage          TEXT NOT NULL,
	profit            TEXT NOT NULL,
	fee               TEXT NOT NULL,
	status            TEXT NOT NULL,
	close_price       TEXT NOT NULL DEFAULT '0',
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_user ON positions (user_id, status);
CREATE INDEX IF NOT EXISTS idx_positions_open ON positions (status);
CREATE TABLE IF NOT EXISTS wallets (
	user_id TEXT NOT NULL,
	asset   TEXT NOT NULL,
	free    TEXT NOT NULL,
	locked  TEXT NOT NULL,
	PRIMARY KEY (user_id, asset)
);
CREATE TABLE IF NOT EXISTS leverage (
	user_id  TEXT NOT NULL,
	symbol   TEXT NOT NULL,
	side     TEXT NOT NULL,
	leverage TEXT NOT NULL,
	locked   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, symbol, side)
);
CREATE TABLE IF NOT EXISTS hedge (
	user_id TEXT PRIMARY KEY,
	hedge   INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS symbols (
	pair                  TEXT NOT NULL,
	exchange              TEXT NOT NULL,
	base_asset            TEXT NOT NULL,
	base_min_amount       TEXT NOT NULL,
	base_step             TEXT NOT NULL,
	quote_asset           TEXT NOT NULL,
	quote_min_amount      TEXT NOT NULL,
	price_asset_precision INTEGER NOT NULL,
	max_orders            INTEGER NOT NULL,
	PRIMARY KEY (pair, exchange)
);
`

// SQLiteStore implements core.IStore on a single sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and ensures the
// schema exists. WAL mode is enabled for crash recovery.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database handle is still usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Users

func (s *SQLiteStore) CreateUser(ctx context.Context, u *core.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, api_key, api_secret, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.APIKey, u.APISecret, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s: %w", u.ID, apperrors.ErrInvalidOrderParam)
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*core.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, api_key, api_secret, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *SQLiteStore) GetUserByCredentials(ctx context.Context, apiKey, apiSecret string) (*core.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, api_key, api_secret, created_at FROM users WHERE api_key = ? AND api_secret = ?`,
		apiKey, apiSecret)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*core.User, error) {
	var u core.User
	err := row.Scan(&u.ID, &u.APIKey, &u.APISecret, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}

// Orders

const orderColumns = `id, external_id, user_id, symbol, exchange, side, type,
	price, amount, quote_amount, filled_amount, filled_quote_amount,
	avg_filled_price, fee, fee_perc, status, reduce_only, position_side,
	created_at, updated_at`

func (s *SQLiteStore) InsertOrder(ctx context.Context, o *core.Order) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.ExternalID, o.UserID, o.Symbol, string(o.Exchange), string(o.Side),
		string(o.Type), o.Price.String(), o.Amount.String(), o.QuoteAmount.String(),
		o.FilledAmount.String(), o.FilledQuoteAmount.String(), o.AvgFilledPrice.String(),
		o.Fee.String(), o.FeePerc.String(), string(o.Status), boolToInt(o.ReduceOnly),
		string(o.PositionSide), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s/%s: %w", o.ExternalID, o.Symbol, apperrors.ErrDuplicateOrder)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateOrder(ctx context.Context, o *core.Order) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET price=?, amount=?, quote_amount=?, filled_amount=?,
			filled_quote_amount=?, avg_filled_price=?, fee=?, fee_perc=?, status=?,
			updated_at=? WHERE id=?`,
		o.Price.String(), o.Amount.String(), o.QuoteAmount.String(),
		o.FilledAmount.String(), o.FilledQuoteAmount.String(), o.AvgFilledPrice.String(),
		o.Fee.String(), o.FeePerc.String(), string(o.Status), o.UpdatedAt, o.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrOrderNotFound
	}
	return nil
}

func (s *SQLiteStore) GetOrder(ctx context.Context, externalID, symbol string) (*core.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE external_id = ? AND symbol = ?`,
		externalID, symbol)
	return scanOrderRow(row)
}

func (s *SQLiteStore) GetOrderByID(ctx context.Context, id string) (*core.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	return scanOrderRow(row)
}

func (s *SQLiteStore) OpenLimitOrders(ctx context.Context) ([]*core.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status IN ('NEW','PARTIALLY_FILLED') AND type = 'LIMIT'`)
}

func (s *SQLiteStore) OpenOrdersByUser(ctx context.Context, userID string) ([]*core.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = ? AND status IN ('NEW','PARTIALLY_FILLED')`,
		userID)
}

func (s *SQLiteStore) OpenReduceOnlyOrders(ctx context.Context, userID, symbol string, exchange core.Exchange) ([]*core.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = ? AND symbol = ? AND exchange = ?
			AND reduce_only = 1 AND status IN ('NEW','PARTIALLY_FILLED')`,
		userID, symbol, string(exchange))
}

func (s *SQLiteStore) queryOrders(ctx context.Context, q string, args ...interface{}) ([]*core.Order, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []*core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrderRow(row *sql.Row) (*core.Order, error) {
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrOrderNotFound
	}
	return o, err
}

func scanOrder(r rowScanner) (*core.Order, error) {
	var o core.Order
	var exchange, side, typ, status, posSide string
	var price, amount, quoteAmount, filled, filledQuote, avgPrice, fee, feePerc string
	var reduceOnly int
	err := r.Scan(&o.ID, &o.ExternalID, &o.UserID, &o.Symbol, &exchange, &side, &typ,
		&price, &amount, &quoteAmount, &filled, &filledQuote, &avgPrice, &fee, &feePerc,
		&status, &reduceOnly, &posSide, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Exchange = core.Exchange(exchange)
	o.Side = core.Side(side)
	o.Type = core.OrderType(typ)
	o.Status = core.OrderStatus(status)
	o.PositionSide = core.PositionSide(posSide)
	o.ReduceOnly = reduceOnly != 0
	o.Price, o.Amount, o.QuoteAmount = dec(price), dec(amount), dec(quoteAmount)
	o.FilledAmount, o.FilledQuoteAmount = dec(filled), dec(filledQuote)
	o.AvgFilledPrice, o.Fee, o.FeePerc = dec(avgPrice), dec(fee), dec(feePerc)
	return &o, nil
}

// Positions

const positionColumns = `uuid, user_id, symbol, exchange, position_side,
	position_amt, entry_price, margin, liquidation_price, leverage, profit, fee,
	status, close_price, created_at, updated_at`

func (s *SQLiteStore) InsertPosition(ctx context.Context, p *core.Position) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO positions (`+positionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.UUID, p.UserID, p.Symbol, string(p.Exchange), string(p.PositionSide),
		p.PositionAmt.String(), p.EntryPrice.String(), p.Margin.String(),
		p.LiquidationPrice.String(), p.Leverage.String(), p.Profit.String(),
		p.Fee.String(), string(p.Status), p.ClosePrice.String(), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert position: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdatePosition(ctx context.Context, p *core.Position) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE positions SET position_amt=?, entry_price=?, margin=?,
			liquidation_price=?, leverage=?, profit=?, fee=?, status=?, close_price=?,
			updated_at=? WHERE uuid=?`,
		p.PositionAmt.String(), p.EntryPrice.String(), p.Margin.String(),
		p.LiquidationPrice.String(), p.Leverage.String(), p.Profit.String(),
		p.Fee.String(), string(p.Status), p.ClosePrice.String(), p.UpdatedAt, p.UUID)
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrPositionNotFound
	}
	return nil
}

func (s *SQLiteStore) GetPosition(ctx context.Context, uuid string) (*core.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE uuid = ?`, uuid)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrPositionNotFound
	}
	return p, err
}

func (s *SQLiteStore) OpenPositions(ctx context.Context) ([]*core.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE status = 'NEW'`)
}

func (s *SQLiteStore) OpenPositionsByUser(ctx context.Context, userID string) ([]*core.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = ? AND status = 'NEW'`, userID)
}

func (s *SQLiteStore) queryPositions(ctx context.Context, q string, args ...interface{}) ([]*core.Position, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []*core.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPosition(r rowScanner) (*core.Position, error) {
	var p core.Position
	var exchange, posSide, status string
	var amt, entry, margin, liq, lev, profit, fee, closePrice string
	err := r.Scan(&p.UUID, &p.UserID, &p.Symbol, &exchange, &posSide,
		&amt, &entry, &margin, &liq, &lev, &profit, &fee, &status, &closePrice,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Exchange = core.Exchange(exchange)
	p.PositionSide = core.PositionSide(posSide)
	p.Status = core.PositionStatus(status)
	p.PositionAmt, p.EntryPrice, p.Margin = dec(amt), dec(entry), dec(margin)
	p.LiquidationPrice, p.Leverage = dec(liq), dec(lev)
	p.Profit, p.Fee, p.ClosePrice = dec(profit), dec(fee), dec(closePrice)
	return &p, nil
}

// Wallets

func (s *SQLiteStore) GetBalance(ctx context.Context, userID, asset string) (*core.Balance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, asset, free, locked FROM wallets WHERE user_id = ? AND asset = ?`,
		userID, asset)
	b, err := scanBalance(row)
	if err == sql.ErrNoRows {
		// Missing row reads as a zero balance.
		return &core.Balance{UserID: userID, Asset: asset, Free: decimal.Zero, Locked: decimal.Zero}, nil
	}
	return b, err
}

func (s *SQLiteStore) UpsertBalance(ctx context.Context, b *core.Balance) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wallets (user_id, asset, free, locked) VALUES (?, ?, ?, ?)
			ON CONFLICT (user_id, asset) DO UPDATE SET free = excluded.free, locked = excluded.locked`,
		b.UserID, b.Asset, b.Free.String(), b.Locked.String())
	if err != nil {
		return fmt.Errorf("failed to upsert balance: %w", err)
	}
	return nil
}

// ApplyBalanceDelta moves funds on one wallet row inside a serializable
// transaction so concurrent settlements never lose an update.
func (s *SQLiteStore) ApplyBalanceDelta(ctx context.Context, userID, asset string, freeDelta, lockedDelta decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var free, locked string
	err = tx.QueryRowContext(ctx,
		`SELECT free, locked FROM wallets WHERE user_id = ? AND asset = ?`,
		userID, asset).Scan(&free, &locked)
	switch {
	case err == sql.ErrNoRows:
		free, locked = "0", "0"
	case err != nil:
		return fmt.Errorf("failed to read balance: %w", err)
	}

	newFree := dec(free).Add(freeDelta)
	newLocked := dec(locked).Add(lockedDelta)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO wallets (user_id, asset, free, locked) VALUES (?, ?, ?, ?)
			ON CONFLICT (user_id, asset) DO UPDATE SET free = excluded.free, locked = excluded.locked`,
		userID, asset, newFree.String(), newLocked.String())
	if err != nil {
		return fmt.Errorf("failed to write balance: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) BalancesByUser(ctx context.Context, userID string) ([]*core.Balance, error) {
	return s.queryBalances(ctx,
		`SELECT user_id, asset, free, locked FROM wallets WHERE user_id = ?`, userID)
}

func (s *SQLiteStore) AllBalances(ctx context.Context) ([]*core.Balance, error) {
	return s.queryBalances(ctx, `SELECT user_id, asset, free, locked FROM wallets`)
}

func (s *SQLiteStore) queryBalances(ctx context.Context, q string, args ...interface{}) ([]*core.Balance, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var out []*core.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBalance(r rowScanner) (*core.Balance, error) {
	var b core.Balance
	var free, locked string
	if err := r.Scan(&b.UserID, &b.Asset, &free, &locked); err != nil {
		return nil, err
	}
	b.Free, b.Locked = dec(free), dec(locked)
	return &b, nil
}

// Leverage

func (s *SQLiteStore) GetLeverage(ctx context.Context, userID, symbol string, side core.PositionSide) (*core.Leverage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, symbol, side, leverage, locked FROM leverage
			WHERE user_id = ? AND symbol = ? AND side = ?`,
		userID, symbol, string(side))
	l, err := scanLeverage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

func (s *SQLiteStore) EnsureLeverage(ctx context.Context, userID, symbol string, side core.PositionSide) (*core.Leverage, error) {
	l, err := s.GetLeverage(ctx, userID, symbol, side)
	if err != nil {
		return nil, err
	}
	if l != nil {
		return l, nil
	}
	l = &core.Leverage{
		UserID:   userID,
		Symbol:   symbol,
		Side:     side,
		Leverage: decimal.NewFromInt(1),
		Locked:   false,
	}
	if err := s.UpsertLeverage(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

func (s *SQLiteStore) UpsertLeverage(ctx context.Context, l *core.Leverage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leverage (user_id, symbol, side, leverage, locked) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (user_id, symbol, side) DO UPDATE SET leverage = excluded.leverage, locked = excluded.locked`,
		l.UserID, l.Symbol, string(l.Side), l.Leverage.String(), boolToInt(l.Locked))
	if err != nil {
		return fmt.Errorf("failed to upsert leverage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AllLeverage(ctx context.Context) ([]*core.Leverage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, symbol, side, leverage, locked FROM leverage`)
	if err != nil {
		return nil, fmt.Errorf("failed to query leverage: %w", err)
	}
	defer rows.Close()

	var out []*core.Leverage
	for rows.Next() {
		l, err := scanLeverage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteLeverage(ctx context.Context, userID, symbol string, side core.PositionSide) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leverage WHERE user_id = ? AND symbol = ? AND side = ?`,
		userID, symbol, string(side))
	if err != nil {
		return fmt.Errorf("failed to delete leverage: %w", err)
	}
	return nil
}

func scanLeverage(r rowScanner) (*core.Leverage, error) {
	var l core.Leverage
	var side, lev string
	var locked int
	if err := r.Scan(&l.UserID, &l.Symbol, &side, &lev, &locked); err != nil {
		return nil, err
	}
	l.Side = core.PositionSide(side)
	l.Leverage = dec(lev)
	l.Locked = locked != 0
	return &l, nil
}

// Hedge mode

func (s *SQLiteStore) GetHedge(ctx context.Context, userID string) (bool, error) {
	var hedge int
	err := s.db.QueryRowContext(ctx,
		`SELECT hedge FROM hedge WHERE user_id = ?`, userID).Scan(&hedge)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read hedge mode: %w", err)
	}
	return hedge != 0, nil
}

func (s *SQLiteStore) SetHedge(ctx context.Context, userID string, hedge bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hedge (user_id, hedge) VALUES (?, ?)
			ON CONFLICT (user_id) DO UPDATE SET hedge = excluded.hedge`,
		userID, boolToInt(hedge))
	if err != nil {
		return fmt.Errorf("failed to set hedge mode: %w", err)
	}
	return nil
}

// Symbols

func (s *SQLiteStore) UpsertSymbol(ctx context.Context, sym *core.Symbol) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO symbols (pair, exchange, base_asset, base_min_amount, base_step,
			quote_asset, quote_min_amount, price_asset_precision, max_orders)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (pair, exchange) DO UPDATE SET
				base_asset = excluded.base_asset,
				base_min_amount = excluded.base_min_amount,
				base_step = excluded.base_step,
				quote_asset = excluded.quote_asset,
				quote_min_amount = excluded.quote_min_amount,
				price_asset_precision = excluded.price_asset_precision,
				max_orders = excluded.max_orders`,
		sym.Pair, string(sym.Exchange), sym.BaseAsset.Name, sym.BaseAsset.MinAmount.String(),
		sym.BaseAsset.Step.String(), sym.QuoteAsset.Name, sym.QuoteAsset.MinAmount.String(),
		sym.PriceAssetPrecision, sym.MaxOrders)
	if err != nil {
		return fmt.Errorf("failed to upsert symbol: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSymbol(ctx context.Context, pair string, exchange core.Exchange) (*core.Symbol, error) {
	var sym core.Symbol
	var ex, baseMin, baseStep, quoteMin string
	err := s.db.QueryRowContext(ctx,
		`SELECT pair, exchange, base_asset, base_min_amount, base_step, quote_asset,
			quote_min_amount, price_asset_precision, max_orders
			FROM symbols WHERE pair = ? AND exchange = ?`,
		pair, string(exchange)).Scan(
		&sym.Pair, &ex, &sym.BaseAsset.Name, &baseMin, &baseStep,
		&sym.QuoteAsset.Name, &quoteMin, &sym.PriceAssetPrecision, &sym.MaxOrders)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrSymbolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read symbol: %w", err)
	}
	sym.Exchange = core.Exchange(ex)
	sym.BaseAsset.MinAmount = dec(baseMin)
	sym.BaseAsset.Step = dec(baseStep)
	sym.QuoteAsset.MinAmount = dec(quoteMin)
	return &sym, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ core.IStore = (*SQLiteStore)(nil)
