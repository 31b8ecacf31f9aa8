package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

const mysqlDuplicateEntry = 1062

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// OpenMySQL opens a pool for dsn. DATETIME columns are scanned into time.Time,
// so parseTime is forced on whatever the DSN says.
func OpenMySQL(dsn string) (*sql.DB, error) {
	cfg, err := mysqlConfig(dsn)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	return sql.OpenDB(connector), nil
}

func mysqlConfig(dsn string) (*mysql.Config, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg, nil
}

func (m *MySQLAdapter) Ping(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return domain.NewTransientError("ping mysql", err)
	}
	return nil
}

func (m *MySQLAdapter) Read(ctx context.Context, item string) (domain.InventoryItem, error) {
	var inv domain.InventoryItem
	err := m.db.QueryRowContext(ctx, `
		SELECT item, quantity, version, updated_at
		FROM inventory WHERE item = ?`, item,
	).Scan(&inv.Name, &inv.Quantity, &inv.Version, &inv.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return domain.InventoryItem{}, domain.ErrItemNotFound
	}
	if err != nil {
		return domain.InventoryItem{}, domain.NewTransientError("query inventory", err)
	}
	return inv, nil
}

func (m *MySQLAdapter) ConditionalDecrement(ctx context.Context, item string, quantity int) (domain.DecrementResult, error) {
	return conditionalDecrement(ctx, m.db, item, quantity)
}

// conditionalDecrement applies the guarded update. A zero-row update is then
// classified as insufficient or unknown; the classification read never writes.
func conditionalDecrement(ctx context.Context, q querier, item string, quantity int) (domain.DecrementResult, error) {
	result, err := q.ExecContext(ctx, `
		UPDATE inventory
		SET quantity = quantity - ?, version = version + 1, updated_at = NOW(6)
		WHERE item = ? AND quantity >= ?`,
		quantity, item, quantity,
	)
	if err != nil {
		return 0, domain.NewTransientError("update inventory", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, domain.NewTransientError("update inventory", err)
	}
	if rows == 1 {
		return domain.DecrementApplied, nil
	}

	var exists bool
	err = q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM inventory WHERE item = ?)`, item).Scan(&exists)
	if err != nil {
		return 0, domain.NewTransientError("query inventory", err)
	}
	if !exists {
		return domain.DecrementNotFound, nil
	}
	return domain.DecrementInsufficient, nil
}

func (m *MySQLAdapter) Exists(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := m.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM processing_records WHERE order_id = ?)`, orderID,
	).Scan(&exists)
	if err != nil {
		return false, domain.NewTransientError("query processing record", err)
	}
	return exists, nil
}

func (m *MySQLAdapter) Get(ctx context.Context, orderID string) (*domain.ProcessingRecord, error) {
	var rec domain.ProcessingRecord
	err := m.db.QueryRowContext(ctx, `
		SELECT order_id, item, quantity, outcome, processed_at
		FROM processing_records WHERE order_id = ?`, orderID,
	).Scan(&rec.OrderID, &rec.Item, &rec.Quantity, &rec.Outcome, &rec.ProcessedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewTransientError("query processing record", err)
	}
	return &rec, nil
}

func (m *MySQLAdapter) Create(ctx context.Context, rec domain.ProcessingRecord) error {
	return insertRecord(ctx, m.db, rec)
}

func insertRecord(ctx context.Context, q querier, rec domain.ProcessingRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO processing_records (order_id, item, quantity, outcome, processed_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.OrderID, rec.Item, rec.Quantity, string(rec.Outcome), rec.ProcessedAt,
	)
	if isDuplicateEntry(err) {
		return domain.ErrDuplicateOrder
	}
	if err != nil {
		return domain.NewTransientError("insert processing record", err)
	}
	return nil
}

func (m *MySQLAdapter) Reserve(ctx context.Context, order domain.OrderRequest) (domain.ProcessingRecord, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProcessingRecord{}, domain.NewTransientError("begin tx", err)
	}
	defer tx.Rollback()

	result, err := conditionalDecrement(ctx, tx, order.Item, order.Quantity)
	if err != nil {
		return domain.ProcessingRecord{}, err
	}

	rec := domain.ProcessingRecord{
		OrderID:     order.OrderID,
		Item:        order.Item,
		Quantity:    order.Quantity,
		Outcome:     result.Outcome(),
		ProcessedAt: time.Now().UTC().Truncate(time.Microsecond),
	}

	// A duplicate key here rolls the decrement back with the record.
	if err := insertRecord(ctx, tx, rec); err != nil {
		return domain.ProcessingRecord{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.ProcessingRecord{}, domain.NewTransientError("commit reservation", err)
	}
	return rec, nil
}

func (m *MySQLAdapter) Provision(ctx context.Context, item string, quantity int) error {
	if quantity < 0 {
		return fmt.Errorf("provision %s: negative quantity %d", item, quantity)
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO inventory (item, quantity, version) VALUES (?, ?, 0)
		ON DUPLICATE KEY UPDATE quantity = ?`,
		item, quantity, quantity,
	)
	if err != nil {
		return domain.NewTransientError("provision inventory", err)
	}
	return nil
}

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}
