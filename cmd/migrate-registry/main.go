// migrate-registry copies the tile prompt registry between stores.
//
// Usage:
//
//	go run ./cmd/migrate-registry \
//	    -from json -json tile_prompts.json \
//	    -to postgres \
//	    -pg-host localhost \
//	    -pg-port 5432 \
//	    -pg-user tileforge \
//	    -pg-database tileforge
//
// The PostgreSQL password is read from TILEFORGE_DB_PASSWORD.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/lawnchairsociety/tileforge/internal/database"
	"github.com/lawnchairsociety/tileforge/internal/tile"
)

type storeFlags struct {
	jsonPath   string
	sqlitePath string
	postgres   database.PostgresConfig
}

func main() {
	pg := database.DefaultPostgresConfig()

	// Parse command-line flags
	from := flag.String("from", "json", "Source store: json, sqlite or postgres")
	to := flag.String("to", "sqlite", "Destination store: json, sqlite or postgres")
	jsonPath := flag.String("json", "tile_prompts.json", "Path to JSON snapshot")
	sqlitePath := flag.String("sqlite", "data/tileforge.db", "Path to SQLite database")
	flag.StringVar(&pg.Host, "pg-host", pg.Host, "PostgreSQL host")
	flag.IntVar(&pg.Port, "pg-port", pg.Port, "PostgreSQL port")
	flag.StringVar(&pg.User, "pg-user", pg.User, "PostgreSQL user")
	flag.StringVar(&pg.Database, "pg-database", pg.Database, "PostgreSQL database name")
	flag.StringVar(&pg.SSLMode, "pg-sslmode", pg.SSLMode, "PostgreSQL SSL mode")
	merge := flag.Bool("merge", false, "Add tiles missing from the destination and keep its existing prompts (sql destinations only)")
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	flag.Parse()

	pg.Password = os.Getenv("TILEFORGE_DB_PASSWORD")
	sf := storeFlags{jsonPath: *jsonPath, sqlitePath: *sqlitePath, postgres: pg}

	if *from == *to {
		log.Fatalf("Source and destination are both %s", *from)
	}

	log.Println("Tile Registry Migration Tool")
	log.Println("============================")

	ctx := context.Background()

	src, closeSrc, err := openStore(*from, sf)
	if err != nil {
		log.Fatalf("Failed to open %s source: %v", *from, err)
	}
	defer closeSrc()

	entries, err := src.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to read %s source: %v", *from, err)
	}
	log.Printf("Read %d tile prompts from %s", len(entries), *from)

	// Validate before touching the destination
	if err := tile.NewRegistry().Restore(entries); err != nil {
		log.Fatalf("Source snapshot is invalid: %v", err)
	}

	if *dryRun {
		keys := make([]string, 0, len(entries))
		for k := range entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %-10s %s\n", k, entries[k])
		}
		log.Printf("[DRY RUN] Would write %d tile prompts to %s", len(entries), *to)
		return
	}

	dst, closeDst, err := openStore(*to, sf)
	if err != nil {
		log.Fatalf("Failed to open %s destination: %v", *to, err)
	}
	defer closeDst()

	if *merge {
		ts, ok := dst.(*database.TileStore)
		if !ok {
			log.Fatalf("-merge needs a sqlite or postgres destination")
		}
		n, err := ts.Merge(ctx, entries)
		if err != nil {
			log.Fatalf("Failed to merge into %s: %v", *to, err)
		}
		total, err := ts.Count(ctx)
		if err != nil {
			log.Fatalf("Failed to count %s rows: %v", *to, err)
		}
		log.Printf("Merged %d tile prompts into %s (%d total)", n, *to, total)
		return
	}

	if err := dst.Save(ctx, entries); err != nil {
		log.Fatalf("Failed to write %s destination: %v", *to, err)
	}
	log.Printf("Wrote %d tile prompts to %s", len(entries), *to)
}

func openStore(kind string, sf storeFlags) (tile.SnapshotStore, func(), error) {
	switch kind {
	case "json":
		return tile.NewFileStore(sf.jsonPath), func() {}, nil
	case "sqlite", "postgres":
		cfg := database.Config{
			Driver:     kind,
			SQLitePath: sf.sqlitePath,
			Postgres:   sf.postgres,
		}
		db, err := database.OpenWithConfig(cfg)
		if err != nil {
			return nil, nil, err
		}
		return database.NewTileStore(db), func() { db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", kind)
	}
}
