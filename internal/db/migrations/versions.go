package migrations

import (
	"database/sql"
	"fmt"
)

// Tables holds one key-value table per subspace tag. The table name is the
// tag itself, so a key's first byte selects its table.
var Tables = []string{"b", "v", "l", "i", "t", LookupTable}

// LookupTable holds lookup store values.
const LookupTable = "m"

// CounterTable stores lookup counters as native integers.
const CounterTable = "c"

// getAllMigrations returns all available migrations
func getAllMigrations() []Migration {
	return []Migration{
		migration1_SubspaceTables(),
		migration2_CounterTable(),
		migration3_LookupTable(),
	}
}

// migration1_SubspaceTables creates the binary key-value tables.
func migration1_SubspaceTables() Migration {
	return Migration{
		Version:     1,
		Description: "Create key-value subspace tables",
		Up: func(tx *sql.Tx, d Dialect) error {
			for _, table := range []string{"b", "v", "l", "i", "t"} {
				if _, err := tx.Exec(fmt.Sprintf(
					`CREATE TABLE IF NOT EXISTS %s (k %s PRIMARY KEY, v %s NOT NULL)`,
					table, d.KeyType, d.ValueType,
				)); err != nil {
					return fmt.Errorf("create table %s: %w", table, err)
				}
			}
			return nil
		},
	}
}

// migration2_CounterTable creates the integer counter table.
func migration2_CounterTable() Migration {
	return Migration{
		Version:     2,
		Description: "Create counter table",
		Up: func(tx *sql.Tx, d Dialect) error {
			_, err := tx.Exec(fmt.Sprintf(
				`CREATE TABLE IF NOT EXISTS %s (k %s PRIMARY KEY, v BIGINT NOT NULL DEFAULT 0)`,
				CounterTable, d.KeyType,
			))
			return err
		},
	}
}

// migration3_LookupTable moves lookup values out of the value table, where
// they were stored under a 0xFF leading byte, into their own table.
func migration3_LookupTable() Migration {
	return Migration{
		Version:     3,
		Description: "Move lookup values to their own table",
		Up: func(tx *sql.Tx, d Dialect) error {
			if _, err := tx.Exec(fmt.Sprintf(
				`CREATE TABLE IF NOT EXISTS %s (k %s PRIMARY KEY, v %s NOT NULL)`,
				LookupTable, d.KeyType, d.ValueType,
			)); err != nil {
				return fmt.Errorf("create table %s: %w", LookupTable, err)
			}
			marker := d.BinaryLiteral([]byte{0xFF})
			if _, err := tx.Exec(fmt.Sprintf(
				`INSERT INTO %s (k, v) SELECT SUBSTR(k, 2), v FROM v WHERE k >= %s`,
				LookupTable, marker,
			)); err != nil {
				return fmt.Errorf("copy lookup values: %w", err)
			}
			_, err := tx.Exec(`DELETE FROM v WHERE k >= ` + marker)
			return err
		},
	}
}
