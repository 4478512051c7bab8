// Package gamedata exposes the read-only MotorTown game database (vehicles,
// parts, cargo) as structured query tools.
package gamedata

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nidhogg/amc-memory/internal/memory"
)

const (
	ExpectedSchemaVersion = 4
	MaxRawRows            = 100
	searchLimit           = 10
	queryTimeout          = 5 * time.Second
)

var blockedKeywords = []string{"ATTACH", "PRAGMA", "LOAD_EXTENSION", "DETACH"}

// Row is one result row keyed by column name.
type Row map[string]any

// DB is a read-only handle on the game database.
type DB struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens the database at path read-only.
func Open(ctx context.Context, path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("game database not found at %s: %w", path, err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=query_only(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open game database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping game database: %w", err)
	}
	g := &DB{db: db, logger: logger}
	if v, err := g.SchemaVersion(ctx); err != nil {
		logger.Warn("game database schema version unknown", zap.Error(err))
	} else if v != ExpectedSchemaVersion {
		logger.Warn("game database schema version mismatch",
			zap.Int("expected", ExpectedSchemaVersion), zap.Int("got", v))
	}
	return g, nil
}

func (g *DB) Close() error {
	return g.db.Close()
}

func (g *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := g.db.QueryRowContext(ctx, `SELECT version FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return v, nil
}

// Filters narrow the name searches. Zero fields are ignored.
type Filters struct {
	VehicleType string
	PartType    string
	CargoType   string
	MaxCost     float64
	MinWeight   float64
}

func like(term string) string {
	return "%" + term + "%"
}

// Vehicles searches visible vehicles by name or id, cheapest first.
func (g *DB) Vehicles(ctx context.Context, term string, f Filters) ([]Row, error) {
	q := `SELECT id, name, vehicle_type, truck_class, cost, comport
		FROM vehicles
		WHERE (id LIKE ? OR name LIKE ?)
		  AND (is_hidden = 0 OR is_hidden IS NULL)
		  AND (is_disabled = 0 OR is_disabled IS NULL)`
	args := []any{like(term), like(term)}
	if f.VehicleType != "" {
		q += ` AND vehicle_type = ?`
		args = append(args, f.VehicleType)
	}
	if f.MaxCost > 0 {
		q += ` AND cost <= ?`
		args = append(args, f.MaxCost)
	}
	q += ` ORDER BY cost LIMIT ?`
	rows, _, err := g.query(ctx, searchLimit, q, append(args, searchLimit)...)
	if err != nil {
		return nil, fmt.Errorf("query vehicles: %w", err)
	}
	return rows, nil
}

// Parts searches visible vehicle parts by name or id, cheapest first.
func (g *DB) Parts(ctx context.Context, term string, f Filters) ([]Row, error) {
	q := `SELECT id, name, part_type, cost, mass_kg
		FROM vehicle_parts
		WHERE (id LIKE ? OR name LIKE ?)
		  AND (is_hidden = 0 OR is_hidden IS NULL)`
	args := []any{like(term), like(term)}
	if f.PartType != "" {
		q += ` AND part_type = ?`
		args = append(args, f.PartType)
	}
	if f.MaxCost > 0 {
		q += ` AND cost <= ?`
		args = append(args, f.MaxCost)
	}
	q += ` ORDER BY cost LIMIT ?`
	rows, _, err := g.query(ctx, searchLimit, q, append(args, searchLimit)...)
	if err != nil {
		return nil, fmt.Errorf("query parts: %w", err)
	}
	return rows, nil
}

// Cargo searches active cargo by name or id, heaviest first.
func (g *DB) Cargo(ctx context.Context, term string, f Filters) ([]Row, error) {
	q := `SELECT id, name, cargo_type, actual_weight_kg, payment_per_km, volume_size
		FROM active_cargos
		WHERE (id LIKE ? OR name LIKE ?)`
	args := []any{like(term), like(term)}
	if f.CargoType != "" {
		q += ` AND cargo_type = ?`
		args = append(args, f.CargoType)
	}
	if f.MinWeight > 0 {
		q += ` AND actual_weight_kg >= ?`
		args = append(args, f.MinWeight)
	}
	q += ` ORDER BY actual_weight_kg DESC LIMIT ?`
	rows, _, err := g.query(ctx, searchLimit, q, append(args, searchLimit)...)
	if err != nil {
		return nil, fmt.Errorf("query cargo: %w", err)
	}
	return rows, nil
}

// HeaviestCargo returns the limit heaviest active cargos.
func (g *DB) HeaviestCargo(ctx context.Context, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, _, err := g.query(ctx, limit, `SELECT id, name, cargo_type, actual_weight_kg
		FROM active_cargos
		ORDER BY actual_weight_kg DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query heaviest cargo: %w", err)
	}
	return rows, nil
}

// CargoBySpace returns cargo that fits a space type such as Flatbed or Box.
func (g *DB) CargoBySpace(ctx context.Context, spaceType string) ([]Row, error) {
	rows, _, err := g.query(ctx, 20, `SELECT DISTINCT c.id, c.name, c.actual_weight_kg, c.cargo_type
		FROM active_cargos c
		JOIN cargo_space_types cst ON c.id = cst.cargo_id
		WHERE cst.space_type = ?
		ORDER BY c.actual_weight_kg DESC
		LIMIT 20`, spaceType)
	if err != nil {
		return nil, fmt.Errorf("query cargo by space: %w", err)
	}
	return rows, nil
}

// RawResult is the answer to a raw SELECT.
type RawResult struct {
	Results   []Row  `json:"results"`
	Count     int    `json:"count"`
	Truncated bool   `json:"truncated,omitempty"`
	Note      string `json:"note,omitempty"`
}

// RawQuery runs a single SELECT, capped at MaxRawRows.
func (g *DB) RawQuery(ctx context.Context, query string) (*RawResult, error) {
	query = strings.TrimSpace(query)
	upper := strings.ToUpper(query)
	for _, kw := range blockedKeywords {
		if strings.Contains(upper, kw) {
			return nil, &memory.ValidationError{Field: "sql", Reason: "contains blocked keyword " + kw}
		}
	}
	if !strings.HasPrefix(upper, "SELECT") {
		return nil, &memory.ValidationError{Field: "sql", Reason: "only SELECT queries are allowed"}
	}

	rows, truncated, err := g.query(ctx, MaxRawRows, query)
	if err != nil {
		return nil, fmt.Errorf("raw query: %w", err)
	}
	res := &RawResult{Results: rows, Count: len(rows), Truncated: truncated}
	if truncated {
		res.Note = fmt.Sprintf("Results limited to %d rows", MaxRawRows)
	}
	return res, nil
}

// query reads at most max rows and reports whether more were available.
func (g *DB) query(ctx context.Context, max int, q string, args ...any) ([]Row, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := g.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, false, err
	}
	out := []Row{}
	for rows.Next() {
		if len(out) == max {
			return out, true, nil
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, false, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, false, rows.Err()
}
