package stats

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/codefionn/proxybridge/proxybridge-srv/logger"
)

// ColumnType represents the type of a database column
type ColumnType string

const (
	ColumnTypeSerial    ColumnType = "SERIAL"    // auto-increment primary key
	ColumnTypeInteger   ColumnType = "INTEGER"   // SQLite/PostgreSQL integer
	ColumnTypeBigint    ColumnType = "BIGINT"    // Large integers
	ColumnTypeText      ColumnType = "TEXT"      // Text/VARCHAR
	ColumnTypeBoolean   ColumnType = "BOOLEAN"   // true/false
	ColumnTypeTimestamp ColumnType = "TIMESTAMP" // Timestamp with timezone
)

// ColumnDefinition defines a database column
type ColumnDefinition struct {
	Name         string
	Type         ColumnType
	NotNull      bool
	PrimaryKey   bool
	DefaultValue string
	References   string // table(column), ON DELETE CASCADE
}

// IndexDefinition defines a database index
type IndexDefinition struct {
	Name    string
	Columns []string
}

// TableDefinition defines a complete database table
type TableDefinition struct {
	Name    string
	Columns []ColumnDefinition
	Indexes []IndexDefinition
}

// GetExpectedSchema returns the tables shared by the SQL backends.
func GetExpectedSchema() []TableDefinition {
	connectionRef := "connections(id)"
	return []TableDefinition{
		{
			Name: "connections",
			Columns: []ColumnDefinition{
				{Name: "id", Type: ColumnTypeSerial, PrimaryKey: true},
				{Name: "connection_uuid", Type: ColumnTypeText},
				{Name: "client_ip", Type: ColumnTypeText},
				{Name: "target_host", Type: ColumnTypeText, NotNull: true},
				{Name: "target_port", Type: ColumnTypeInteger, NotNull: true},
				{Name: "protocol", Type: ColumnTypeText, NotNull: true},
				{Name: "started_at", Type: ColumnTypeTimestamp, NotNull: true},
				{Name: "ended_at", Type: ColumnTypeTimestamp},
				{Name: "bytes_sent", Type: ColumnTypeBigint, DefaultValue: "0"},
				{Name: "bytes_received", Type: ColumnTypeBigint, DefaultValue: "0"},
				{Name: "duration_ms", Type: ColumnTypeBigint},
				{Name: "close_reason", Type: ColumnTypeText},
			},
			Indexes: []IndexDefinition{
				{Name: "idx_connections_started_at", Columns: []string{"started_at"}},
				{Name: "idx_connections_target_host", Columns: []string{"target_host"}},
			},
		},
		{
			Name: "http_requests",
			Columns: []ColumnDefinition{
				{Name: "id", Type: ColumnTypeSerial, PrimaryKey: true},
				{Name: "connection_id", Type: ColumnTypeBigint, NotNull: true, References: connectionRef},
				{Name: "method", Type: ColumnTypeText, NotNull: true},
				{Name: "url", Type: ColumnTypeText, NotNull: true},
				{Name: "host", Type: ColumnTypeText, NotNull: true},
				{Name: "user_agent", Type: ColumnTypeText},
				{Name: "timestamp", Type: ColumnTypeTimestamp, NotNull: true},
			},
			Indexes: []IndexDefinition{
				{Name: "idx_http_requests_connection_id", Columns: []string{"connection_id"}},
			},
		},
		{
			Name: "http_responses",
			Columns: []ColumnDefinition{
				{Name: "id", Type: ColumnTypeSerial, PrimaryKey: true},
				{Name: "connection_id", Type: ColumnTypeBigint, NotNull: true, References: connectionRef},
				{Name: "status_code", Type: ColumnTypeInteger, NotNull: true},
				{Name: "content_length", Type: ColumnTypeBigint, DefaultValue: "0"},
				{Name: "timestamp", Type: ColumnTypeTimestamp, NotNull: true},
			},
			Indexes: []IndexDefinition{
				{Name: "idx_http_responses_connection_id", Columns: []string{"connection_id"}},
			},
		},
		{
			Name: "upstream_attempts",
			Columns: []ColumnDefinition{
				{Name: "id", Type: ColumnTypeSerial, PrimaryKey: true},
				{Name: "connection_id", Type: ColumnTypeBigint, NotNull: true, References: connectionRef},
				{Name: "level", Type: ColumnTypeInteger, NotNull: true},
				{Name: "upstream", Type: ColumnTypeText, NotNull: true},
				{Name: "success", Type: ColumnTypeBoolean, NotNull: true},
				{Name: "timestamp", Type: ColumnTypeTimestamp, NotNull: true},
			},
			Indexes: []IndexDefinition{
				{Name: "idx_upstream_attempts_connection_id", Columns: []string{"connection_id"}},
			},
		},
		{
			Name: "errors",
			Columns: []ColumnDefinition{
				{Name: "id", Type: ColumnTypeSerial, PrimaryKey: true},
				{Name: "connection_id", Type: ColumnTypeBigint, References: connectionRef},
				{Name: "error_type", Type: ColumnTypeText, NotNull: true},
				{Name: "error_message", Type: ColumnTypeText},
				{Name: "timestamp", Type: ColumnTypeTimestamp, NotNull: true},
			},
			Indexes: []IndexDefinition{
				{Name: "idx_errors_timestamp", Columns: []string{"timestamp"}},
			},
		},
	}
}

// SchemaInitializer creates the statistics tables for one SQL driver
type SchemaInitializer struct {
	db     *sql.DB
	driver string // "sqlite3" or "postgres"
	tables []TableDefinition
}

// NewSchemaInitializer creates a new schema initializer
func NewSchemaInitializer(db *sql.DB, driver string) *SchemaInitializer {
	return &SchemaInitializer{
		db:     db,
		driver: driver,
		tables: GetExpectedSchema(),
	}
}

// InitializeSchema creates all missing tables and indexes.
func (si *SchemaInitializer) InitializeSchema() error {
	logger.Info("Initializing database schema (driver: %s)", si.driver)

	for _, table := range si.tables {
		query := si.generateCreateTableSQL(table)
		logger.Trace("Creating table %s with SQL: %s", table.Name, query)
		if _, err := si.db.Exec(query); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table.Name, err)
		}

		for _, index := range table.Indexes {
			query := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)",
				index.Name, table.Name, strings.Join(index.Columns, ", "))
			if _, err := si.db.Exec(query); err != nil {
				return fmt.Errorf("failed to create index %s: %w", index.Name, err)
			}
		}
	}

	logger.Debug("Database schema initialization completed")
	return nil
}

// generateCreateTableSQL generates CREATE TABLE SQL for the specific driver
func (si *SchemaInitializer) generateCreateTableSQL(table TableDefinition) string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n", table.Name))

	columnDefs := make([]string, 0, len(table.Columns))
	for _, column := range table.Columns {
		columnDefs = append(columnDefs, "  "+si.generateColumnSQL(column))
	}

	builder.WriteString(strings.Join(columnDefs, ",\n"))
	builder.WriteString("\n)")

	return builder.String()
}

// generateColumnSQL generates column definition SQL
func (si *SchemaInitializer) generateColumnSQL(column ColumnDefinition) string {
	parts := []string{column.Name}

	switch {
	case column.Type == ColumnTypeSerial && si.driver == "sqlite3":
		parts = append(parts, "INTEGER PRIMARY KEY AUTOINCREMENT")
	case column.Type == ColumnTypeSerial:
		parts = append(parts, "BIGSERIAL PRIMARY KEY")
	case column.Type == ColumnTypeTimestamp && si.driver == "sqlite3":
		parts = append(parts, "DATETIME")
	case column.Type == ColumnTypeTimestamp:
		parts = append(parts, "TIMESTAMP WITH TIME ZONE")
	default:
		parts = append(parts, string(column.Type))
	}

	if column.NotNull && !column.PrimaryKey {
		parts = append(parts, "NOT NULL")
	}
	if column.DefaultValue != "" {
		parts = append(parts, "DEFAULT "+column.DefaultValue)
	}
	if column.References != "" {
		parts = append(parts, "REFERENCES "+column.References+" ON DELETE CASCADE")
	}

	return strings.Join(parts, " ")
}
