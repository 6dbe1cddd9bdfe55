package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	_ "github.com/lib/pq"

	"github.com/web3quant/edgebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Persistence layer
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every write is parameterised with $N ordinals. When no DATABASE_URL is
// configured the store runs disabled: writes are no-ops, reads return
// empty, so the engine can run without persistence.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Database struct {
	db      *sql.DB
	enabled bool
}

// NewDatabase connects and migrates. An empty connStr yields a disabled
// store rather than an error.
func NewDatabase(connStr string) (*Database, error) {
	if connStr == "" {
		log.Warn().Msg("DATABASE_URL not set, running without persistence")
		return &Database{enabled: false}, nil
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	database := &Database{db: db, enabled: true}

	if err := database.migrate(); err != nil {
		return nil, err
	}

	log.Info().Msg("💾 Database connected")
	return database, nil
}

// migrate creates necessary tables
func (d *Database) migrate() error {
	if !d.enabled {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS windows (
		window_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		market_id TEXT NOT NULL,
		question TEXT,
		epoch BIGINT NOT NULL,
		close_time_ms BIGINT NOT NULL,
		reference_price NUMERIC(18,8),
		up_token_id TEXT NOT NULL,
		down_token_id TEXT NOT NULL,
		open_composite NUMERIC(18,8),
		open_aggregator NUMERIC(18,8),
		open_vwap20 NUMERIC(18,8),
		created_at TIMESTAMP DEFAULT NOW(),
		resolved_at TIMESTAMP,
		resolution TEXT
	);

	CREATE TABLE IF NOT EXISTS signals (
		id TEXT PRIMARY KEY,
		window_id TEXT NOT NULL,
		strategy TEXT NOT NULL,
		symbol TEXT NOT NULL,
		token_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		model_probability NUMERIC(10,6) NOT NULL,
		market_price NUMERIC(10,6) NOT NULL,
		edge NUMERIC(10,6) NOT NULL,
		best_bid NUMERIC(10,6),
		best_ask NUMERIC(10,6),
		spread NUMERIC(10,6),
		bid_depth NUMERIC(18,8),
		ask_depth NUMERIC(18,8),
		created_at TIMESTAMP DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		window_id TEXT NOT NULL,
		strategy TEXT NOT NULL,
		token_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		size_shares NUMERIC(18,8) NOT NULL,
		entry_price NUMERIC(10,6) NOT NULL,
		fees NUMERIC(18,8) DEFAULT 0,
		virtual BOOLEAN NOT NULL,
		opened_at TIMESTAMP DEFAULT NOW(),
		closed_at TIMESTAMP,
		exit_price NUMERIC(10,6),
		exit_reason TEXT,
		pnl NUMERIC(18,8),
		status TEXT DEFAULT 'OPEN'
	);

	CREATE TABLE IF NOT EXISTS paper_trades (
		id TEXT PRIMARY KEY,
		window_id TEXT NOT NULL,
		strategy TEXT NOT NULL,
		variation TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		offset_sec INT NOT NULL,
		entry_price NUMERIC(10,6) NOT NULL,
		shares NUMERIC(18,8) NOT NULL,
		cost NUMERIC(18,8) NOT NULL,
		fee NUMERIC(18,8) NOT NULL,
		slippage NUMERIC(10,6),
		partial_fill BOOLEAN DEFAULT FALSE,
		created_at TIMESTAMP DEFAULT NOW(),
		settled_at TIMESTAMP,
		won BOOLEAN,
		payout NUMERIC(18,8),
		net_pnl NUMERIC(18,8)
	);

	CREATE TABLE IF NOT EXISTS predictions (
		id SERIAL PRIMARY KEY,
		window_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		predicted_p_up NUMERIC(10,6) NOT NULL,
		bucket TEXT NOT NULL,
		oracle_price NUMERIC(18,8) NOT NULL,
		strike NUMERIC(18,8) NOT NULL,
		t_ms BIGINT NOT NULL,
		sigma NUMERIC(10,6) NOT NULL,
		vol_surprise NUMERIC(10,6),
		actual_outcome TEXT,
		correct BOOLEAN,
		created_at TIMESTAMP DEFAULT NOW(),
		settled_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS book_ticks (
		id SERIAL PRIMARY KEY,
		token_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		best_bid NUMERIC(10,6),
		best_ask NUMERIC(10,6),
		mid NUMERIC(10,6),
		spread NUMERIC(10,6),
		bid_depth NUMERIC(18,8),
		ask_depth NUMERIC(18,8),
		levels TEXT NOT NULL,
		observed_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS strategies (
		name TEXT PRIMARY KEY,
		document TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_windows_symbol ON windows(symbol);
	CREATE INDEX IF NOT EXISTS idx_signals_window ON signals(window_id);
	CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
	CREATE INDEX IF NOT EXISTS idx_paper_window ON paper_trades(window_id);
	CREATE INDEX IF NOT EXISTS idx_predictions_window ON predictions(window_id);
	CREATE INDEX IF NOT EXISTS idx_ticks_token ON book_ticks(token_id, observed_at);
	`

	_, err := d.db.Exec(schema)
	return err
}

// Close closes the database connection
func (d *Database) Close() {
	if d.db != nil {
		d.db.Close()
	}
}

// IsEnabled returns if database is enabled
func (d *Database) IsEnabled() bool {
	return d.enabled
}

// ═══════════════════════════════════════════════════════════════════════════════
// GENERIC ACCESS - get / all / run / exec
// ═══════════════════════════════════════════════════════════════════════════════

// Exec runs schema or maintenance DDL.
func (d *Database) Exec(query string) error {
	if !d.enabled {
		return nil
	}
	_, err := d.db.Exec(query)
	return err
}

// Run executes a parameterised statement and reports affected rows.
func (d *Database) Run(query string, params ...interface{}) (int64, error) {
	if !d.enabled {
		return 0, nil
	}
	res, err := d.db.Exec(query, params...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RunReturningID executes an INSERT ... RETURNING id statement.
func (d *Database) RunReturningID(query string, params ...interface{}) (int64, error) {
	if !d.enabled {
		return 0, nil
	}
	var id int64
	err := d.db.QueryRow(query, params...).Scan(&id)
	return id, err
}

// Get runs a query expected to return at most one row and scans it
// into dest. A disabled store or an empty result reports found=false,
// never a nil row.
func (d *Database) Get(query string, dest []interface{}, params ...interface{}) (bool, error) {
	if !d.enabled {
		return false, nil
	}
	err := d.db.QueryRow(query, params...).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// All runs a query returning any number of rows.
func (d *Database) All(query string, params ...interface{}) (*sql.Rows, error) {
	if !d.enabled {
		return nil, nil
	}
	return d.db.Query(query, params...)
}

// ═══════════════════════════════════════════════════════════════════════════════
// WINDOWS
// ═══════════════════════════════════════════════════════════════════════════════

// SaveWindow records a newly tracked window. Idempotent on window_id.
func (d *Database) SaveWindow(w *types.Window) error {
	if !d.enabled {
		return nil
	}

	_, err := d.db.Exec(`
		INSERT INTO windows (window_id, symbol, market_id, question, epoch, close_time_ms,
			reference_price, up_token_id, down_token_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (window_id) DO NOTHING
	`, w.ID, w.Symbol, w.MarketID, w.Question, w.Epoch, w.CloseTime.UnixMilli(),
		w.ReferencePrice, w.UpTokenID, w.DownTokenID)

	if err != nil {
		log.Error().Err(err).Str("window", w.ID).Msg("Failed to save window")
	}
	return err
}

// SaveWindowOpens records the open prices captured near the epoch.
func (d *Database) SaveWindowOpens(windowID string, opens types.OpenPrices) error {
	if !d.enabled {
		return nil
	}

	_, err := d.db.Exec(`
		UPDATE windows
		SET open_composite = $2, open_aggregator = $3, open_vwap20 = $4
		WHERE window_id = $1
	`, windowID, opens.Composite, opens.Aggregator, opens.VWAP20)

	return err
}

// SaveResolution records a window's settled direction.
func (d *Database) SaveResolution(windowID, resolution string) error {
	if !d.enabled {
		return nil
	}

	_, err := d.db.Exec(`
		UPDATE windows
		SET resolution = $2, resolved_at = NOW()
		WHERE window_id = $1 AND resolved_at IS NULL
	`, windowID, resolution)

	return err
}

// GetResolution returns a window's resolution ("up"/"down") if persisted.
func (d *Database) GetResolution(windowID string) (string, bool) {
	if !d.enabled {
		return "", false
	}

	var resolution sql.NullString
	err := d.db.QueryRow(`
		SELECT resolution FROM windows WHERE window_id = $1
	`, windowID).Scan(&resolution)

	if err != nil || !resolution.Valid || resolution.String == "" {
		return "", false
	}
	return resolution.String, true
}

// GetOpenPricesNear returns the stored open prices for a window if they
// were captured within the tolerance of the window epoch.
func (d *Database) GetOpenPricesNear(windowID string, epoch int64, tolerance time.Duration) (types.OpenPrices, bool) {
	opens := types.OpenPrices{}
	if !d.enabled {
		return opens, false
	}

	var composite, aggregator, vwap20 sql.NullString
	var createdAt time.Time
	err := d.db.QueryRow(`
		SELECT open_composite, open_aggregator, open_vwap20, created_at
		FROM windows WHERE window_id = $1
	`, windowID).Scan(&composite, &aggregator, &vwap20, &createdAt)
	if err != nil {
		return opens, false
	}

	epochTime := time.Unix(epoch, 0)
	if createdAt.Before(epochTime.Add(-tolerance)) || createdAt.After(epochTime.Add(tolerance)) {
		return opens, false
	}

	ok := false
	if composite.Valid {
		if v, err := decimal.NewFromString(composite.String); err == nil {
			opens.Composite = v
			ok = true
		}
	}
	if aggregator.Valid {
		if v, err := decimal.NewFromString(aggregator.String); err == nil {
			opens.Aggregator = v
			ok = true
		}
	}
	if vwap20.Valid {
		if v, err := decimal.NewFromString(vwap20.String); err == nil {
			opens.VWAP20 = v
			ok = true
		}
	}
	return opens, ok
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNALS
// ═══════════════════════════════════════════════════════════════════════════════

// SaveSignal records an emitted signal with its market context.
func (d *Database) SaveSignal(id string, sig *types.Signal) error {
	if !d.enabled {
		return nil
	}

	_, err := d.db.Exec(`
		INSERT INTO signals (id, window_id, strategy, symbol, token_id, direction,
			model_probability, market_price, edge, best_bid, best_ask, spread, bid_depth, ask_depth)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, id, sig.WindowID, sig.StrategyID, sig.Symbol, sig.TokenID, sig.Direction,
		sig.ModelProbability, sig.MarketPrice, sig.Edge,
		sig.Context.BestBid, sig.Context.BestAsk, sig.Context.Spread,
		sig.Context.BidDepth1Pct, sig.Context.AskDepth1Pct)

	if err != nil {
		log.Error().Err(err).Str("window", sig.WindowID).Msg("Failed to save signal")
	}
	return err
}

// ═══════════════════════════════════════════════════════════════════════════════
// POSITIONS
// ═══════════════════════════════════════════════════════════════════════════════

// SavePosition persists an opened position for crash recovery.
func (d *Database) SavePosition(p *types.Position) error {
	if !d.enabled {
		return nil
	}

	_, err := d.db.Exec(`
		INSERT INTO positions (id, window_id, strategy, token_id, symbol, side,
			size_shares, entry_price, fees, virtual, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			size_shares = $7,
			entry_price = $8,
			fees = $9
	`, p.ID, p.WindowID, p.StrategyID, p.TokenID, p.Symbol, string(p.Side),
		p.SizeShares, p.EntryPrice, p.Fees, p.Virtual, p.OpenedAt)

	if err != nil {
		log.Error().Err(err).Str("id", p.ID).Msg("Failed to save position")
	}
	return err
}

// ClosePosition marks a position closed with its exit detail.
func (d *Database) ClosePosition(id string, exitPrice, pnl decimal.Decimal, reason string) error {
	if !d.enabled {
		return nil
	}

	_, err := d.db.Exec(`
		UPDATE positions
		SET status = 'CLOSED', closed_at = NOW(), exit_price = $2, pnl = $3, exit_reason = $4
		WHERE id = $1
	`, id, exitPrice, pnl, reason)

	return err
}

// GetOpenPositions returns all open positions for recovery.
func (d *Database) GetOpenPositions() ([]*types.Position, error) {
	if !d.enabled {
		return nil, nil
	}

	rows, err := d.db.Query(`
		SELECT id, window_id, strategy, token_id, symbol, side, size_shares,
		       entry_price, fees, virtual, opened_at
		FROM positions WHERE status = 'OPEN'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*types.Position
	for rows.Next() {
		p := &types.Position{}
		var side string
		if err := rows.Scan(&p.ID, &p.WindowID, &p.StrategyID, &p.TokenID, &p.Symbol, &side,
			&p.SizeShares, &p.EntryPrice, &p.Fees, &p.Virtual, &p.OpenedAt); err != nil {
			log.Warn().Err(err).Msg("Failed to scan position")
			continue
		}
		p.Side = types.Side(side)
		p.CurrentPrice = p.EntryPrice
		p.PeakPrice = p.EntryPrice
		positions = append(positions, p)
	}

	return positions, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER TRADES
// ═══════════════════════════════════════════════════════════════════════════════

// PaperTrade is one simulated entry from the signal sweep.
type PaperTrade struct {
	ID          string
	WindowID    string
	Strategy    string
	Variation   string
	Symbol      string
	Side        string
	OffsetSec   int
	EntryPrice  decimal.Decimal
	Shares      decimal.Decimal
	Cost        decimal.Decimal
	Fee         decimal.Decimal
	Slippage    decimal.Decimal
	PartialFill bool
}

// SavePaperTrade records a simulated entry.
func (d *Database) SavePaperTrade(t *PaperTrade) error {
	if !d.enabled {
		return nil
	}

	_, err := d.db.Exec(`
		INSERT INTO paper_trades (id, window_id, strategy, variation, symbol, side,
			offset_sec, entry_price, shares, cost, fee, slippage, partial_fill)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, t.ID, t.WindowID, t.Strategy, t.Variation, t.Symbol, t.Side,
		t.OffsetSec, t.EntryPrice, t.Shares, t.Cost, t.Fee, t.Slippage, t.PartialFill)

	if err != nil {
		log.Error().Err(err).Str("window", t.WindowID).Msg("Failed to save paper trade")
	}
	return err
}

// UnsettledPaperTrade is the slice of a paper trade settlement needs.
type UnsettledPaperTrade struct {
	ID     string
	Side   string
	Shares decimal.Decimal
	Cost   decimal.Decimal
	Fee    decimal.Decimal
}

// GetUnsettledPaperTrades returns every open paper trade for a window.
func (d *Database) GetUnsettledPaperTrades(windowID string) ([]UnsettledPaperTrade, error) {
	if !d.enabled {
		return nil, nil
	}

	rows, err := d.db.Query(`
		SELECT id, side, shares, cost, fee
		FROM paper_trades WHERE window_id = $1 AND settled_at IS NULL
	`, windowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []UnsettledPaperTrade
	for rows.Next() {
		var t UnsettledPaperTrade
		if err := rows.Scan(&t.ID, &t.Side, &t.Shares, &t.Cost, &t.Fee); err != nil {
			continue
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// SettlePaperTrade records a paper trade's outcome.
func (d *Database) SettlePaperTrade(id string, won bool, payout, netPnL decimal.Decimal) error {
	if !d.enabled {
		return nil
	}

	_, err := d.db.Exec(`
		UPDATE paper_trades
		SET settled_at = NOW(), won = $2, payout = $3, net_pnl = $4
		WHERE id = $1 AND settled_at IS NULL
	`, id, won, payout, netPnL)

	return err
}

// ═══════════════════════════════════════════════════════════════════════════════
// PREDICTIONS - Calibration rows
// ═══════════════════════════════════════════════════════════════════════════════

// Prediction is a persisted probability evaluation awaiting settlement.
type Prediction struct {
	WindowID    string
	Symbol      string
	PredictedUp float64
	Bucket      string
	OraclePrice decimal.Decimal
	Strike      decimal.Decimal
	TimeLeftMs  int64
	Sigma       float64
	VolSurprise sql.NullFloat64
}

// SavePrediction records one model evaluation.
func (d *Database) SavePrediction(p *Prediction) error {
	if !d.enabled {
		return nil
	}

	_, err := d.db.Exec(`
		INSERT INTO predictions (window_id, symbol, predicted_p_up, bucket,
			oracle_price, strike, t_ms, sigma, vol_surprise)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.WindowID, p.Symbol, p.PredictedUp, p.Bucket,
		p.OraclePrice, p.Strike, p.TimeLeftMs, p.Sigma, p.VolSurprise)

	if err != nil {
		log.Error().Err(err).Str("window", p.WindowID).Msg("Failed to save prediction")
	}
	return err
}

// SettlePredictions scores every unsettled prediction for a window.
// correct = (p_up >= 0.5) == (outcome == "up").
func (d *Database) SettlePredictions(windowID, outcome string) error {
	if !d.enabled {
		return nil
	}

	_, err := d.db.Exec(`
		UPDATE predictions
		SET actual_outcome = $2,
		    correct = ((predicted_p_up >= 0.5) = ($2 = 'up')),
		    settled_at = NOW()
		WHERE window_id = $1 AND settled_at IS NULL
	`, windowID, outcome)

	return err
}

// BucketHitRates recomputes per-bucket hit rates from settled rows.
func (d *Database) BucketHitRates() (map[string][2]int, error) {
	if !d.enabled {
		return nil, nil
	}

	rows, err := d.db.Query(`
		SELECT bucket, COUNT(*), COUNT(*) FILTER (WHERE correct)
		FROM predictions WHERE settled_at IS NOT NULL
		GROUP BY bucket
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][2]int)
	for rows.Next() {
		var bucket string
		var total, correct int
		if err := rows.Scan(&bucket, &total, &correct); err != nil {
			continue
		}
		out[bucket] = [2]int{total, correct}
	}
	return out, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGIES - Composer documents
// ═══════════════════════════════════════════════════════════════════════════════

// SaveStrategyDocument upserts a strategy document atomically.
func (d *Database) SaveStrategyDocument(name, document string) error {
	if !d.enabled {
		return nil
	}

	_, err := d.db.Exec(`
		INSERT INTO strategies (name, document, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET document = $2, updated_at = NOW()
	`, name, document)

	return err
}

// GetStrategyDocuments returns every persisted strategy document.
func (d *Database) GetStrategyDocuments() (map[string]string, error) {
	if !d.enabled {
		return nil, nil
	}

	rows, err := d.db.Query(`SELECT name, document FROM strategies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, document string
		if err := rows.Scan(&name, &document); err != nil {
			continue
		}
		out[name] = document
	}
	return out, nil
}
