package gamedata

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nidhogg/amc-memory/internal/router"
)

type searchFunc func(ctx context.Context, term string, f Filters) ([]Row, error)

// entityTool runs one name search per extracted entity.
type entityTool struct {
	name   string
	desc   string
	key    string
	search searchFunc
}

func (t *entityTool) Name() string        { return t.name }
func (t *entityTool) Description() string { return t.desc }

func (t *entityTool) Query(ctx context.Context, req router.ToolRequest) (*router.StructuredResult, error) {
	f := filtersFrom(req.Fields)
	seen := make(map[any]bool)
	var rows []Row
	for _, term := range req.Entities {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		found, err := t.search(ctx, term, f)
		if err != nil {
			return nil, err
		}
		for _, r := range found {
			if seen[r["id"]] {
				continue
			}
			seen[r["id"]] = true
			rows = append(rows, r)
		}
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return render(t.name, t.key, rows, false)
}

// heaviestTool answers "heaviest cargo" style questions.
type heaviestTool struct {
	db *DB
}

func (t *heaviestTool) Name() string { return "heaviest_cargo" }
func (t *heaviestTool) Description() string {
	return "The heaviest active cargo items by actual weight."
}

func (t *heaviestTool) Query(ctx context.Context, req router.ToolRequest) (*router.StructuredResult, error) {
	if !strings.Contains(strings.ToLower(req.Text), "heav") {
		return nil, nil
	}
	limit := 5
	if v, err := strconv.Atoi(req.Fields["limit"]); err == nil && v > 0 {
		limit = v
	}
	rows, err := t.db.HeaviestCargo(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return render(t.Name(), "cargo", rows, false)
}

// spaceTool lists cargo loadable into a given cargo space type.
type spaceTool struct {
	db *DB
}

func (t *spaceTool) Name() string { return "cargo_by_space" }
func (t *spaceTool) Description() string {
	return "Cargo that fits a cargo space type such as Flatbed or Box."
}

func (t *spaceTool) Query(ctx context.Context, req router.ToolRequest) (*router.StructuredResult, error) {
	candidates := req.Entities
	if s := req.Fields["space_type"]; s != "" {
		candidates = []string{s}
	}
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		rows, err := t.db.CargoBySpace(ctx, c)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			return render(t.Name(), "cargo", rows, false)
		}
	}
	return nil, nil
}

// Tools returns every game data tool backed by db.
func Tools(db *DB) []router.Tool {
	return []router.Tool{
		&entityTool{
			name:   "vehicle_info",
			desc:   "Vehicle stats: type, truck class, cost and comfort.",
			key:    "vehicles",
			search: db.Vehicles,
		},
		&entityTool{
			name:   "part_info",
			desc:   "Vehicle part stats: part type, cost and mass.",
			key:    "parts",
			search: db.Parts,
		},
		&entityTool{
			name:   "cargo_info",
			desc:   "Cargo stats: type, weight, payment per km and volume.",
			key:    "cargo",
			search: db.Cargo,
		},
		&heaviestTool{db: db},
		&spaceTool{db: db},
	}
}

func filtersFrom(fields map[string]string) Filters {
	f := Filters{
		VehicleType: fields["vehicle_type"],
		PartType:    fields["part_type"],
		CargoType:   fields["cargo_type"],
	}
	if v, err := strconv.ParseFloat(fields["max_cost"], 64); err == nil {
		f.MaxCost = v
	}
	if v, err := strconv.ParseFloat(fields["min_weight"], 64); err == nil {
		f.MinWeight = v
	}
	return f
}

func render(tool, key string, rows []Row, truncated bool) (*router.StructuredResult, error) {
	b, err := json.MarshalIndent(map[string]any{key: rows}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", tool, err)
	}
	return &router.StructuredResult{
		Tool:      tool,
		Content:   string(b),
		Rows:      rows,
		Truncated: truncated,
	}, nil
}
