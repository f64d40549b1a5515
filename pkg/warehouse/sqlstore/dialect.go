package sqlstore

import (
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/reflectx"

	"github.com/ajitpratap0/tidewater/pkg/config"
	"github.com/ajitpratap0/tidewater/pkg/errors"
)

// Dialect captures what differs between the supported warehouses.
type Dialect struct {
	Name       string
	driverName string
	flavor     sqlbuilder.Flavor
	// merge selects MERGE INTO instead of INSERT ... ON CONFLICT
	merge bool
	// upperIdents is set for engines that return unquoted identifiers in upper case
	upperIdents bool
	migratable  bool
}

var (
	// SQLite is the embedded dialect used locally and in tests
	SQLite = Dialect{Name: config.DriverSQLite, driverName: "sqlite", flavor: sqlbuilder.SQLite, migratable: true}
	// Postgres is the PostgreSQL dialect over pgx
	Postgres = Dialect{Name: config.DriverPostgres, driverName: "pgx", flavor: sqlbuilder.PostgreSQL, migratable: true}
	// Snowflake binds positional ? parameters and upserts with MERGE
	Snowflake = Dialect{Name: config.DriverSnowflake, driverName: "snowflake", flavor: sqlbuilder.Presto, merge: true, upperIdents: true}
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// DialectFor returns the dialect of a configured driver.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case config.DriverSQLite:
		return SQLite, nil
	case config.DriverPostgres:
		return Postgres, nil
	case config.DriverSnowflake:
		return Snowflake, nil
	default:
		return Dialect{}, errors.Newf(errors.ErrorTypeConfig, "unsupported warehouse driver %q", driver)
	}
}

func (d Dialect) configure(db *sqlx.DB) {
	if d.upperIdents {
		db.Mapper = reflectx.NewMapperTagFunc("db", strings.ToUpper, strings.ToUpper)
	}
}

// upsert describes an idempotent multi-row write keyed by keys.
type upsert struct {
	table   string
	columns []string
	keys    []string
	// update lists the columns replaced on conflict; empty means keep the stored row
	update []string
	// guard, when set, must hold for an update to apply. {new} and {old}
	// qualify the incoming and the stored row.
	guard string
}

// build renders u for rows, each holding one value per column.
func (d Dialect) build(u upsert, rows [][]interface{}) (string, []interface{}) {
	if d.merge {
		return d.buildMerge(u, rows)
	}

	ib := d.flavor.NewInsertBuilder()
	ib.InsertInto(u.table).Cols(u.columns...)
	for _, row := range rows {
		ib.Values(row...)
	}
	query, args := ib.Build()

	query += " ON CONFLICT (" + strings.Join(u.keys, ", ") + ")"
	if len(u.update) == 0 {
		return query + " DO NOTHING", args
	}

	sets := make([]string, 0, len(u.update))
	for _, c := range u.update {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	query += " DO UPDATE SET " + strings.Join(sets, ", ")
	if u.guard != "" {
		query += " WHERE " + qualify(u.guard, "excluded", u.table)
	}
	return query, args
}

func (d Dialect) buildMerge(u upsert, rows [][]interface{}) (string, []interface{}) {
	var src strings.Builder
	var args []interface{}
	for i, row := range rows {
		if i > 0 {
			src.WriteString(" UNION ALL ")
		}
		src.WriteString("SELECT ")
		for j := range row {
			if j > 0 {
				src.WriteString(", ")
			}
			if i == 0 {
				src.WriteString("$? AS " + u.columns[j])
			} else {
				src.WriteString("$?")
			}
		}
		args = append(args, row...)
	}

	on := make([]string, 0, len(u.keys))
	for _, k := range u.keys {
		on = append(on, fmt.Sprintf("t.%s = s.%s", k, k))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s t USING (%s) s ON %s", u.table, src.String(), strings.Join(on, " AND "))
	if len(u.update) > 0 {
		b.WriteString(" WHEN MATCHED")
		if u.guard != "" {
			b.WriteString(" AND " + qualify(u.guard, "s", "t"))
		}
		sets := make([]string, 0, len(u.update))
		for _, c := range u.update {
			sets = append(sets, fmt.Sprintf("%s = s.%s", c, c))
		}
		b.WriteString(" THEN UPDATE SET " + strings.Join(sets, ", "))
	}
	values := make([]string, 0, len(u.columns))
	for _, c := range u.columns {
		values = append(values, "s."+c)
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		strings.Join(u.columns, ", "), strings.Join(values, ", "))

	return sqlbuilder.WithFlavor(sqlbuilder.Build(b.String(), args...), d.flavor).Build()
}

func qualify(guard, newAlias, oldAlias string) string {
	return strings.NewReplacer("{new}", newAlias, "{old}", oldAlias).Replace(guard)
}
