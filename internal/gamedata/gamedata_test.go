package gamedata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nidhogg/amc-memory/internal/memory"
	"github.com/nidhogg/amc-memory/internal/router"
)

const fixtureSchema = `
CREATE TABLE schema_version (version INTEGER);
INSERT INTO schema_version VALUES (4);
CREATE TABLE vehicles (
	id TEXT PRIMARY KEY, name TEXT, vehicle_type TEXT, truck_class TEXT,
	cost REAL, comport REAL, is_hidden INTEGER, is_disabled INTEGER
);
CREATE TABLE vehicle_parts (
	id TEXT PRIMARY KEY, name TEXT, part_type TEXT, cost REAL, mass_kg REAL, is_hidden INTEGER
);
CREATE TABLE cargos (
	id TEXT PRIMARY KEY, name TEXT, cargo_type TEXT, weight_kg REAL,
	payment_per_km REAL, volume_size REAL, is_deprecated INTEGER
);
CREATE VIEW active_cargos AS
	SELECT id, name, cargo_type, weight_kg AS actual_weight_kg, payment_per_km, volume_size
	FROM cargos WHERE is_deprecated = 0;
CREATE TABLE cargo_space_types (cargo_id TEXT, space_type TEXT);

INSERT INTO vehicles VALUES
	('jemusi', 'Jemusi', 'Truck', 'Medium', 45000, 3, 0, 0),
	('jemusi_dump', 'Jemusi Dump', 'Truck', 'Medium', 52000, 2, 0, 0),
	('jemusi_proto', 'Jemusi Prototype', 'Truck', 'Medium', 1000, 1, 1, 0),
	('bongo', 'Bongo', 'Truck', 'Small', 12000, 4, 0, NULL);
INSERT INTO vehicle_parts VALUES
	('turbo_1', 'Turbo Stage 1', 'Turbocharger', 8000, 12, 0),
	('turbo_x', 'Turbo Secret', 'Turbocharger', 1, 1, 1);
INSERT INTO cargos VALUES
	('log', 'Log', 'Wood', 12000, 30, 8, 0),
	('plank', 'Wood Plank', 'Wood', 3000, 12, 3, 0),
	('old_log', 'Old Log', 'Wood', 99999, 1, 1, 1),
	('sand', 'Sand', 'Bulk', 18000, 25, 10, 0);
INSERT INTO cargo_space_types VALUES
	('log', 'Flatbed'), ('plank', 'Flatbed'), ('sand', 'Dump');
`

func newFixture(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gamedata.db")
	w, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	if _, err := w.Exec(fixtureSchema); err != nil {
		t.Fatalf("seed fixture: %v", err)
	}
	w.Close()

	db, err := Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "nope.db"), nil)
	if err == nil {
		t.Fatal("expected error for missing database")
	}
}

func TestVehiclesExcludesHidden(t *testing.T) {
	db := newFixture(t)
	rows, err := db.Vehicles(context.Background(), "jemusi", Filters{})
	if err != nil {
		t.Fatalf("Vehicles: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 visible vehicles, got %d", len(rows))
	}
	if rows[0]["id"] != "jemusi" {
		t.Errorf("expected cheapest first, got %v", rows[0]["id"])
	}
	rows, err = db.Vehicles(context.Background(), "jemusi", Filters{MaxCost: 50000})
	if err != nil {
		t.Fatalf("Vehicles: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("max_cost filter: expected 1, got %d", len(rows))
	}
}

func TestCargoUsesActiveView(t *testing.T) {
	db := newFixture(t)
	rows, err := db.Cargo(context.Background(), "log", Filters{})
	if err != nil {
		t.Fatalf("Cargo: %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != "log" {
		t.Fatalf("expected only the active log, got %v", rows)
	}

	heavy, err := db.HeaviestCargo(context.Background(), 2)
	if err != nil {
		t.Fatalf("HeaviestCargo: %v", err)
	}
	if len(heavy) != 2 || heavy[0]["id"] != "sand" {
		t.Errorf("expected sand first of 2, got %v", heavy)
	}

	flat, err := db.CargoBySpace(context.Background(), "Flatbed")
	if err != nil {
		t.Fatalf("CargoBySpace: %v", err)
	}
	if len(flat) != 2 {
		t.Errorf("expected 2 flatbed cargos, got %d", len(flat))
	}
}

func TestRawQueryGuards(t *testing.T) {
	db := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		sql  string
	}{
		{"not select", "DELETE FROM vehicles"},
		{"pragma", "SELECT * FROM pragma_table_info('vehicles')"},
		{"attach", "select 1; ATTACH DATABASE 'x' AS y"},
		{"lowercase insert", "insert into vehicles (id) values ('x')"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.RawQuery(ctx, tt.sql)
			var ve *memory.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestRawQueryTruncates(t *testing.T) {
	db := newFixture(t)
	ctx := context.Background()

	res, err := db.RawQuery(ctx, "SELECT name FROM vehicles ORDER BY name")
	if err != nil {
		t.Fatalf("RawQuery: %v", err)
	}
	if res.Count != 4 || res.Truncated {
		t.Errorf("expected 4 untruncated rows, got %d truncated=%v", res.Count, res.Truncated)
	}

	big := fmt.Sprintf("WITH RECURSIVE n(x) AS (SELECT 1 UNION ALL SELECT x+1 FROM n WHERE x < %d) SELECT x FROM n", MaxRawRows+20)
	_, err = db.RawQuery(ctx, big)
	var ve *memory.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("WITH query should be rejected as non-SELECT, got %v", err)
	}

	// 4^4 rows.
	res, err = db.RawQuery(ctx, "SELECT a.id FROM vehicles a, vehicles b, vehicles c, vehicles d")
	if err != nil {
		t.Fatalf("RawQuery cross join: %v", err)
	}
	if res.Count != MaxRawRows || !res.Truncated || res.Note == "" {
		t.Errorf("expected truncation at %d, got count=%d truncated=%v", MaxRawRows, res.Count, res.Truncated)
	}
}

func TestConnectionReadOnly(t *testing.T) {
	db := newFixture(t)
	_, err := db.db.ExecContext(context.Background(), "UPDATE vehicles SET cost = 0")
	if err == nil {
		t.Fatal("expected write to fail on read-only connection")
	}
}

func TestTools(t *testing.T) {
	db := newFixture(t)
	ctx := context.Background()
	byName := make(map[string]router.Tool)
	for _, tool := range Tools(db) {
		byName[tool.Name()] = tool
	}

	res, err := byName["vehicle_info"].Query(ctx, router.ToolRequest{
		Text:     "how much is the jemusi?",
		Entities: []string{"Jemusi", "jemusi"},
	})
	if err != nil {
		t.Fatalf("vehicle_info: %v", err)
	}
	if res == nil || len(res.Rows.([]Row)) != 2 {
		t.Fatalf("expected 2 deduplicated vehicles, got %+v", res)
	}
	if !strings.Contains(res.Content, `"vehicles"`) {
		t.Errorf("content missing key: %s", res.Content)
	}

	res, err = byName["part_info"].Query(ctx, router.ToolRequest{Text: "what is best?"})
	if err != nil || res != nil {
		t.Errorf("no entities should yield nil result, got %+v, %v", res, err)
	}

	res, err = byName["heaviest_cargo"].Query(ctx, router.ToolRequest{Text: "What is the heaviest cargo?"})
	if err != nil || res == nil {
		t.Fatalf("heaviest_cargo: %+v, %v", res, err)
	}
	if len(res.Rows.([]Row)) != 3 {
		t.Errorf("expected all 3 active cargos under default limit, got %d", len(res.Rows.([]Row)))
	}

	res, err = byName["cargo_by_space"].Query(ctx, router.ToolRequest{Entities: []string{"Jemusi", "Dump"}})
	if err != nil || res == nil {
		t.Fatalf("cargo_by_space: %+v, %v", res, err)
	}
	if rows := res.Rows.([]Row); len(rows) != 1 || rows[0]["id"] != "sand" {
		t.Errorf("expected sand, got %v", rows)
	}
}
