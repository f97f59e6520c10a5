package cache

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"modernc.org/sqlite"

	"github.com/gigapi/gigapi-cache/core"
)

const (
	DriverDuckDB = "duckdb"
	DriverSQLite = "sqlite"
)

// sqliteLowerFunc folds case with strings.ToLower; the built in LOWER of
// SQLite only folds ASCII.
const sqliteLowerFunc = "go_lower"

func init() {
	if err := sqlite.RegisterDeterministicScalarFunction(sqliteLowerFunc, 1, goLower); err != nil {
		panic(err)
	}
}

func goLower(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	switch v := args[0].(type) {
	case nil:
		return nil, nil
	case string:
		return strings.ToLower(v), nil
	case []byte:
		return strings.ToLower(string(v)), nil
	default:
		return strings.ToLower(fmt.Sprint(v)), nil
	}
}

var generationTableRe = regexp.MustCompile(`^g[0-9]+__[A-Za-z_][A-Za-z0-9_]*$`)

// Store is the local database holding snapshot generations. Each generation
// lives in its own set of tables named g<generation>__<table>, so a new
// snapshot is built next to the one being read and old ones are dropped once
// released.
type Store struct {
	Driver string
	DB     *sql.DB

	// ddl serializes catalog changes; DuckDB rejects concurrent catalog writes.
	ddl   sync.Mutex
	drops sync.WaitGroup
}

// OpenStore opens the local store. An empty dsn selects an in-memory DuckDB
// database or a cache.db file for SQLite.
func OpenStore(driver, dsn string) (*Store, error) {
	switch driver {
	case "", DriverDuckDB:
		driver = DriverDuckDB
		if dsn == "" {
			dsn = "?access_mode=READ_WRITE"
		}
	case DriverSQLite:
		if dsn == "" {
			dsn = "cache.db"
		}
		dsn = sqliteDSN(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open %s store: %w", driver, err)
	}
	return &Store{Driver: driver, DB: db}, nil
}

// sqliteDSN turns a bare path into a URI with WAL and a busy timeout so that
// readers keep working while a new generation is written.
func sqliteDSN(dsn string) string {
	if strings.HasPrefix(dsn, "file:") {
		return dsn
	}
	return "file:" + dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// LowerFunc names the SQL function matching strings.ToLower on this store.
func (s *Store) LowerFunc() string {
	if s.Driver == DriverSQLite {
		return sqliteLowerFunc
	}
	return "LOWER"
}

func physicalName(gen uint64, table string) string {
	return fmt.Sprintf("g%d__%s", gen, table)
}

// Reset drops generation tables left behind by a previous process.
func (s *Store) Reset(ctx context.Context) error {
	s.ddl.Lock()
	defer s.ddl.Unlock()

	listTables := "SELECT name FROM sqlite_master WHERE type = 'table'"
	if s.Driver == DriverDuckDB {
		listTables = "SELECT table_name FROM information_schema.tables WHERE table_schema = 'main' AND table_type = 'BASE TABLE'"
	}
	rows, err := s.DB.QueryContext(ctx, listTables)
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	var stale []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("error scanning table name: %w", err)
		}
		if generationTableRe.MatchString(name) {
			stale = append(stale, name)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating tables: %w", err)
	}

	for _, name := range stale {
		if _, err := s.DB.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
			return fmt.Errorf("failed to drop %s: %w", name, err)
		}
	}
	if len(stale) > 0 {
		core.Infof(ctx, "Dropped %d stale cache tables", len(stale))
	}
	return nil
}

// Build creates the tables of generation gen for schema and loads batches
// into them in one transaction. Nothing is left behind on failure.
func (s *Store) Build(ctx context.Context, gen uint64, schema *Schema, batches *Batches) (map[string]string, map[string]int, error) {
	s.ddl.Lock()
	defer s.ddl.Unlock()

	start := time.Now()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	physical := make(map[string]string, schema.Len())
	counts := make(map[string]int, schema.Len())
	for _, t := range schema.Tables() {
		phys := physicalName(gen, t.Name)
		physical[t.Name] = phys

		cols := make([]string, len(t.Columns))
		names := make([]string, len(t.Columns))
		marks := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			cols[i] = quoteIdent(c) + " TEXT"
			names[i] = quoteIdent(c)
			marks[i] = "?"
		}
		cols[0] += " PRIMARY KEY"

		if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(phys), strings.Join(cols, ", "))); err != nil {
			return nil, nil, fmt.Errorf("failed to create table %s: %w", t.Name, err)
		}

		batch := batches.Batch(t.Name)
		if batch == nil || len(batch.Rows) == 0 {
			counts[t.Name] = 0
			continue
		}
		n, err := insertRows(ctx, tx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(phys), strings.Join(names, ", "), strings.Join(marks, ", ")), batch.Rows)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load table %s: %w", t.Name, err)
		}
		counts[t.Name] = n
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit generation %d: %w", gen, err)
	}
	core.Debugf(ctx, "Built generation %d in: %v", gen, time.Since(start))
	return physical, counts, nil
}

func insertRows(ctx context.Context, tx *sql.Tx, stmtText string, rows [][]sql.NullString) (int, error) {
	stmt, err := tx.PrepareContext(ctx, stmtText)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	args := make([]any, 0)
	for i, row := range rows {
		args = args[:0]
		for _, v := range row {
			args = append(args, v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return i, err
		}
	}
	return len(rows), nil
}

// Drop removes the tables of a generation in the background.
func (s *Store) Drop(gen uint64, physical map[string]string) {
	if len(physical) == 0 {
		return
	}
	s.drops.Add(1)
	go func() {
		defer s.drops.Done()
		ctx := core.WithDefaultLogger(context.Background(), fmt.Sprintf("drop-%d", gen))
		s.ddl.Lock()
		defer s.ddl.Unlock()
		for _, phys := range physical {
			if _, err := s.DB.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(phys)); err != nil {
				core.Errorf(ctx, "Failed to drop %s: %v", phys, err)
			}
		}
		core.Debugf(ctx, "Dropped generation %d", gen)
	}()
}

// Select runs a statement built by Plan.Select and scans width text columns.
func (s *Store) Select(ctx context.Context, query string, args []any, width int) ([][]sql.NullString, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}
	defer rows.Close()

	var result [][]sql.NullString
	for rows.Next() {
		values := make([]sql.NullString, width)
		ptrs := make([]any, width)
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("error scanning row: %w", err)
		}
		result = append(result, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return result, nil
}

// Close waits for pending drops and closes the database.
func (s *Store) Close() error {
	s.drops.Wait()
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}
