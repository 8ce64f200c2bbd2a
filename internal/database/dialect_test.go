package database

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
)

// =============================================================================
// Dialect Tests
// =============================================================================

func TestNewDialect_SQLite(t *testing.T) {
	dialect := NewDialect(DialectSQLite)
	if _, ok := dialect.(*SQLiteDialect); !ok {
		t.Errorf("Expected *SQLiteDialect, got %T", dialect)
	}
}

func TestNewDialect_Postgres(t *testing.T) {
	dialect := NewDialect(DialectPostgres)
	if _, ok := dialect.(*PostgresDialect); !ok {
		t.Errorf("Expected *PostgresDialect, got %T", dialect)
	}
}

func TestNewDialect_Default(t *testing.T) {
	dialect := NewDialect("unknown")
	if _, ok := dialect.(*SQLiteDialect); !ok {
		t.Errorf("Expected default *SQLiteDialect, got %T", dialect)
	}
}

// =============================================================================
// SQLite Dialect Tests
// =============================================================================

func TestSQLiteDialect_Placeholder(t *testing.T) {
	d := &SQLiteDialect{}
	for _, position := range []int{1, 2, 10, 100} {
		if got := d.Placeholder(position); got != "?" {
			t.Errorf("Placeholder(%d) = %q, want %q", position, got, "?")
		}
	}
}

func TestSQLiteDialect_InitStatements(t *testing.T) {
	d := &SQLiteDialect{}
	stmts := d.InitStatements()

	joined := strings.Join(stmts, ";")
	if !strings.Contains(joined, "journal_mode = WAL") {
		t.Error("InitStatements missing WAL pragma")
	}
	if !strings.Contains(joined, "busy_timeout") {
		t.Error("InitStatements missing busy_timeout pragma")
	}
}

func TestSQLiteDialect_IsDuplicateKeyError(t *testing.T) {
	d := &SQLiteDialect{}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"unique constraint", errors.New("UNIQUE constraint failed: tile_prompts.tile_key"), true},
		{"other error", errors.New("no such table"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.IsDuplicateKeyError(tt.err); got != tt.want {
				t.Errorf("IsDuplicateKeyError() = %v, want %v", got, tt.want)
			}
		})
	}
}

// =============================================================================
// PostgreSQL Dialect Tests
// =============================================================================

func TestPostgresDialect_Placeholder(t *testing.T) {
	d := &PostgresDialect{}
	tests := []struct {
		position int
		want     string
	}{
		{1, "$1"},
		{2, "$2"},
		{10, "$10"},
	}
	for _, tt := range tests {
		if got := d.Placeholder(tt.position); got != tt.want {
			t.Errorf("Placeholder(%d) = %q, want %q", tt.position, got, tt.want)
		}
	}
}

func TestPostgresDialect_IsDuplicateKeyError(t *testing.T) {
	d := &PostgresDialect{}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"unique violation", &pq.Error{Code: "23505"}, true},
		{"wrapped unique violation", errors.Join(errors.New("insert"), &pq.Error{Code: "23505"}), true},
		{"foreign key violation", &pq.Error{Code: "23503"}, false},
		{"plain error", errors.New("duplicate key"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.IsDuplicateKeyError(tt.err); got != tt.want {
				t.Errorf("IsDuplicateKeyError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDialect_TimestampType(t *testing.T) {
	if got := (&SQLiteDialect{}).TimestampType(); got != "TIMESTAMP" {
		t.Errorf("SQLite TimestampType() = %q", got)
	}
	if got := (&PostgresDialect{}).TimestampType(); got != "TIMESTAMPTZ" {
		t.Errorf("Postgres TimestampType() = %q", got)
	}
}

// =============================================================================
// QueryBuilder Tests
// =============================================================================

func TestQueryBuilder_Build_SQLite(t *testing.T) {
	qb := NewQueryBuilder(&SQLiteDialect{})
	query := "INSERT INTO tile_prompts (tile_key, prompt) VALUES (?, ?)"
	if got := qb.Build(query); got != query {
		t.Errorf("Build() = %q, want unchanged", got)
	}
}

func TestQueryBuilder_Build_Postgres(t *testing.T) {
	qb := NewQueryBuilder(&PostgresDialect{})
	tests := []struct {
		input string
		want  string
	}{
		{
			"INSERT INTO tile_prompts (tile_key, prompt) VALUES (?, ?)",
			"INSERT INTO tile_prompts (tile_key, prompt) VALUES ($1, $2)",
		},
		{
			"SELECT prompt FROM tile_prompts WHERE tile_key = ?",
			"SELECT prompt FROM tile_prompts WHERE tile_key = $1",
		},
		{
			"SELECT '?' FROM tile_prompts WHERE tile_key = ?",
			"SELECT '?' FROM tile_prompts WHERE tile_key = $1",
		},
		{"SELECT 1", "SELECT 1"},
	}
	for _, tt := range tests {
		if got := qb.Build(tt.input); got != tt.want {
			t.Errorf("Build(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

// =============================================================================
// Config Tests
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("data/tiles.db")
	if cfg.Driver != "sqlite" {
		t.Errorf("Driver = %q, want sqlite", cfg.Driver)
	}
	if cfg.SQLitePath != "data/tiles.db" {
		t.Errorf("SQLitePath = %q", cfg.SQLitePath)
	}
}

func TestDefaultPostgresConfig(t *testing.T) {
	cfg := DefaultPostgresConfig()
	if cfg.Port != 5432 {
		t.Errorf("Port = %d, want 5432", cfg.Port)
	}
	if cfg.ConnMaxLifetime != 5*time.Minute {
		t.Errorf("ConnMaxLifetime = %v, want 5m", cfg.ConnMaxLifetime)
	}
}

func TestPostgresConfig_DSN(t *testing.T) {
	cfg := DefaultPostgresConfig()
	dsn := cfg.DSN()
	if dsn != "host=localhost port=5432 user=tileforge dbname=tileforge sslmode=disable" {
		t.Errorf("DSN() = %q", dsn)
	}

	cfg.Password = `it's\secret`
	dsn = cfg.DSN()
	if !strings.HasSuffix(dsn, ` password='it\'s\\secret'`) {
		t.Errorf("DSN() did not quote password: %q", dsn)
	}
}

func TestDialect_InterfaceCompliance(t *testing.T) {
	var _ Dialect = (*SQLiteDialect)(nil)
	var _ Dialect = (*PostgresDialect)(nil)
}
