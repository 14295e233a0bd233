package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"futuresRiskBot/internal/domain"
	"futuresRiskBot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements the ports.PositionRepository and ports.TradeRepository interfaces using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository opens (and if needed creates) the database and verifies the schema.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required for SQLite repository", ports.ErrConfiguration)
	}
	ctx := context.Background()
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/futures_risk.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(ctx, err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("%w: open '%s': %w", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(ctx, err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		err = fmt.Errorf("%w: ping '%s': %w", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(ctx, err, "SQLite repository initialization failed")
		return nil, err
	}

	// One connection; sqlite serialises writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(ctx); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(ctx, err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(ctx, "SQLite database ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		order_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		size REAL NOT NULL,
		entry_price REAL NOT NULL,
		leverage REAL NOT NULL,
		stop_loss REAL NOT NULL DEFAULT 0,
		take_profit REAL NOT NULL DEFAULT 0,
		trailing_delta REAL NOT NULL DEFAULT 0,
		volatility REAL NOT NULL DEFAULT 0,
		strategy TEXT NOT NULL DEFAULT '',
		edge REAL NOT NULL DEFAULT 0,
		score REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_price REAL DEFAULT NULL,
		exit_time TIMESTAMP DEFAULT NULL,
		pnl REAL DEFAULT NULL,
		close_reason TEXT DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS trade_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id TEXT NOT NULL UNIQUE,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		strategy TEXT NOT NULL DEFAULT '',
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		quantity REAL NOT NULL,
		leverage REAL NOT NULL,
		pnl REAL NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP NOT NULL,
		close_reason TEXT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_order_id ON positions (order_id);
	CREATE INDEX IF NOT EXISTS idx_positions_status_entry ON positions (status, entry_time);
	CREATE INDEX IF NOT EXISTS idx_trade_history_symbol_exit_time ON trade_history (symbol, exit_time);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: schema: %w", ports.ErrQueryFailed, err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- PositionRepository Implementation ---

const positionColumns = `id, order_id, symbol, side, size, entry_price, leverage, stop_loss, take_profit,
	trailing_delta, volatility, strategy, edge, score, status, entry_time,
	COALESCE(exit_price, 0), exit_time, COALESCE(pnl, 0), close_reason`

// Create saves a new position. The engine assigns the ID.
func (r *Repository) Create(ctx context.Context, pos *domain.Position) error {
	if pos == nil || pos.ID == "" {
		return fmt.Errorf("%w: position id is required", ports.ErrInvalidRequest)
	}
	const query = `
	INSERT INTO positions (id, order_id, symbol, side, size, entry_price, leverage, stop_loss, take_profit,
	                       trailing_delta, volatility, strategy, edge, score, status, entry_time)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		pos.ID, pos.OrderID, pos.Symbol, string(pos.Side), pos.Size, pos.EntryPrice, pos.Leverage,
		pos.StopLoss, pos.TakeProfit, pos.TrailingDelta, pos.Volatility, pos.Strategy, pos.Edge, pos.Score,
		string(pos.Status), pos.EntryTime.UTC())
	if err != nil {
		return fmt.Errorf("%w: insert position %s: %w", ports.ErrUpdateFailed, pos.ID, err)
	}
	r.logger.Debug(ctx, "Position created", map[string]interface{}{"positionID": pos.ID, "symbol": pos.Symbol})
	return nil
}

// Update modifies an existing position based on its ID.
func (r *Repository) Update(ctx context.Context, pos *domain.Position) error {
	const query = `
	UPDATE positions
	SET size = ?, entry_price = ?, leverage = ?, stop_loss = ?, take_profit = ?, trailing_delta = ?,
	    status = ?, exit_price = ?, exit_time = ?, pnl = ?, close_reason = ?
	WHERE id = ?`

	var exitTime sql.NullTime
	var exitPrice, pnl sql.NullFloat64
	var reason sql.NullString
	if pos.Status == domain.StatusClosed {
		exitTime = sql.NullTime{Time: pos.ExitTime.UTC(), Valid: !pos.ExitTime.IsZero()}
		exitPrice = sql.NullFloat64{Float64: pos.ExitPrice, Valid: true}
		pnl = sql.NullFloat64{Float64: pos.PNL, Valid: true}
		reason = sql.NullString{String: string(pos.CloseReason), Valid: pos.CloseReason != ""}
	}

	result, err := r.db.ExecContext(ctx, query,
		pos.Size, pos.EntryPrice, pos.Leverage, pos.StopLoss, pos.TakeProfit, pos.TrailingDelta,
		string(pos.Status), exitPrice, exitTime, pnl, reason, pos.ID)
	if err != nil {
		return fmt.Errorf("%w: update position %s: %w", ports.ErrUpdateFailed, pos.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected for position %s: %w", ports.ErrUpdateFailed, pos.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("position %s not found for update: %w", pos.ID, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Position updated", map[string]interface{}{"positionID": pos.ID, "status": pos.Status})
	return nil
}

// FindByID retrieves a position by its unique ID. Returns nil, nil if not found.
func (r *Repository) FindByID(ctx context.Context, id string) (*domain.Position, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: position %s: %w", ports.ErrQueryFailed, id, err)
	}
	return pos, nil
}

// FindOpen retrieves every open position, oldest first.
func (r *Repository) FindOpen(ctx context.Context) ([]*domain.Position, error) {
	return r.queryPositions(ctx, `SELECT `+positionColumns+` FROM positions WHERE status = ? ORDER BY entry_time ASC`,
		string(domain.StatusOpen))
}

// FindAll retrieves all positions, ordered by entry time descending.
func (r *Repository) FindAll(ctx context.Context) ([]*domain.Position, error) {
	return r.queryPositions(ctx, `SELECT `+positionColumns+` FROM positions ORDER BY entry_time DESC`)
}

func (r *Repository) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: positions: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan position: %w", ports.ErrQueryFailed, err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate positions: %w", ports.ErrQueryFailed, err)
	}
	return positions, nil
}

// GetTotalProfit calculates the sum of PNL for all closed positions.
func (r *Repository) GetTotalProfit(ctx context.Context) (float64, error) {
	const query = `SELECT COALESCE(SUM(pnl), 0) FROM positions WHERE status = ?`
	var totalProfit float64
	if err := r.db.QueryRowContext(ctx, query, string(domain.StatusClosed)).Scan(&totalProfit); err != nil {
		return 0, fmt.Errorf("%w: total profit: %w", ports.ErrQueryFailed, err)
	}
	return totalProfit, nil
}

// --- TradeRepository Implementation ---

const tradeColumns = `id, position_id, symbol, side, strategy, entry_price, exit_price, quantity, leverage, pnl,
	entry_time, exit_time, close_reason`

// CreateTrade archives a closed position. A position is archived at most once.
func (r *Repository) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	const query = `
	INSERT INTO trade_history (position_id, symbol, side, strategy, entry_price, exit_price, quantity, leverage,
	                           pnl, entry_time, exit_time, close_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		trade.PositionID, trade.Symbol, string(trade.Side), trade.Strategy, trade.EntryPrice, trade.ExitPrice,
		trade.Quantity, trade.Leverage, trade.PNL, trade.EntryTime.UTC(), trade.ExitTime.UTC(), string(trade.CloseReason))
	if err != nil {
		return 0, fmt.Errorf("%w: insert trade for position %s: %w", ports.ErrUpdateFailed, trade.PositionID, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: trade id for position %s: %w", ports.ErrUpdateFailed, trade.PositionID, err)
	}
	trade.ID = id
	r.logger.Debug(ctx, "Trade history created", map[string]interface{}{"tradeID": id, "symbol": trade.Symbol, "pnl": trade.PNL})
	return id, nil
}

// FindRecent retrieves the most recent trades, newest first. A limit <= 0 returns all.
func (r *Repository) FindRecent(ctx context.Context, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	return r.queryTrades(ctx, `SELECT `+tradeColumns+` FROM trade_history ORDER BY exit_time DESC, id DESC LIMIT ?`, limit)
}

// FindBySymbol retrieves the most recent trades for a given symbol, up to a limit.
func (r *Repository) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = -1
	}
	return r.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trade_history WHERE symbol = ? ORDER BY exit_time DESC, id DESC LIMIT ?`,
		symbol, limit)
}

func (r *Repository) queryTrades(ctx context.Context, query string, args ...interface{}) ([]*domain.Trade, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: trade history: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan trade: %w", ports.ErrQueryFailed, err)
		}
		trades = append(trades, trade)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate trades: %w", ports.ErrQueryFailed, err)
	}
	return trades, nil
}

// CountTodayBySymbol counts trades for symbol whose exit happened on the current UTC day.
func (r *Repository) CountTodayBySymbol(ctx context.Context, symbol string) (int, error) {
	start := time.Now().UTC().Truncate(24 * time.Hour)
	const query = `SELECT COUNT(*) FROM trade_history WHERE symbol = ? AND exit_time >= ?`
	var count int
	if err := r.db.QueryRowContext(ctx, query, symbol, start).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count trades for %s: %w", ports.ErrQueryFailed, symbol, err)
	}
	return count, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var side, status string
	var exitTime sql.NullTime
	var reason sql.NullString
	err := s.Scan(
		&p.ID, &p.OrderID, &p.Symbol, &side, &p.Size, &p.EntryPrice, &p.Leverage, &p.StopLoss, &p.TakeProfit,
		&p.TrailingDelta, &p.Volatility, &p.Strategy, &p.Edge, &p.Score, &status, &p.EntryTime,
		&p.ExitPrice, &exitTime, &p.PNL, &reason)
	if err != nil {
		return nil, err // sql.ErrNoRows handled by the caller
	}
	p.Side = domain.OrderSide(side)
	p.Status = domain.PositionStatus(status)
	if exitTime.Valid {
		p.ExitTime = exitTime.Time
	}
	if reason.Valid {
		p.CloseReason = domain.CloseReason(reason.String)
	}
	return p, nil
}

func scanTrade(s scanner) (*domain.Trade, error) {
	th := &domain.Trade{}
	var side string
	var closeReason sql.NullString
	err := s.Scan(
		&th.ID, &th.PositionID, &th.Symbol, &side, &th.Strategy, &th.EntryPrice, &th.ExitPrice, &th.Quantity,
		&th.Leverage, &th.PNL, &th.EntryTime, &th.ExitTime, &closeReason)
	if err != nil {
		return nil, err
	}
	th.Side = domain.OrderSide(side)
	th.CloseReason = domain.CloseReasonUnknown
	if closeReason.Valid && closeReason.String != "" {
		th.CloseReason = domain.CloseReason(closeReason.String)
	}
	return th, nil
}
