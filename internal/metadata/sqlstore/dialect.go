package sqlstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect captures the differences between the SQL engines the store runs on.
type Dialect interface {
	// Rebind rewrites '?' placeholders into the engine's syntax.
	Rebind(query string) string
	// EncodeTime converts a timestamp into a bindable value.
	EncodeTime(t time.Time) any
	// DecodeTime converts a scanned column value back into a UTC timestamp.
	DecodeTime(src any) (time.Time, error)
	// IDOrder is the ORDER BY expression that sorts ids bytewise.
	IDOrder() string
}

// Postgres binds $n placeholders and stores TIMESTAMPTZ columns.
type Postgres struct{}

func (Postgres) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IDOrder bypasses the database locale, which may fold case.
func (Postgres) IDOrder() string { return `id COLLATE "C"` }

func (Postgres) EncodeTime(t time.Time) any { return t.UTC() }

func (Postgres) DecodeTime(src any) (time.Time, error) {
	t, ok := src.(time.Time)
	if !ok {
		return time.Time{}, fmt.Errorf("unexpected time column type %T", src)
	}
	return t.UTC(), nil
}

// SQLiteTimeLayout is fixed-width so stored timestamps sort lexically.
const SQLiteTimeLayout = "2006-01-02T15:04:05.000000Z"

// SQLite keeps '?' placeholders and stores timestamps as fixed-width text.
type SQLite struct{}

func (SQLite) Rebind(query string) string { return query }

// IDOrder relies on the default BINARY collation.
func (SQLite) IDOrder() string { return "id" }

func (SQLite) EncodeTime(t time.Time) any { return t.UTC().Format(SQLiteTimeLayout) }

func (SQLite) DecodeTime(src any) (time.Time, error) {
	switch v := src.(type) {
	case string:
		return time.Parse(SQLiteTimeLayout, v)
	case []byte:
		return time.Parse(SQLiteTimeLayout, string(v))
	case time.Time:
		return v.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unexpected time column type %T", src)
}
