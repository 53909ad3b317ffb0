package repository

import (
	"database/sql"
	"fmt"
	"time"
)

// timeLayout matches SQLite's CURRENT_TIMESTAMP so stored values compare
// correctly as text.
const timeLayout = "2006-01-02 15:04:05"

var parseLayouts = []string{
	timeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05",
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// normalize drops what the store cannot represent.
func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return normalize(time.Now())
	}
	return normalize(t)
}

// nullTime scans DATETIME columns whether the driver hands back text or
// an already parsed time.
type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = v.UTC(), true
		return nil
	case string:
		return n.parse(v)
	case []byte:
		return n.parse(string(v))
	case int64:
		n.Time, n.Valid = time.Unix(v, 0).UTC(), true
		return nil
	default:
		return fmt.Errorf("unsupported time value %T", value)
	}
}

func (n *nullTime) parse(s string) error {
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			n.Time, n.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unparseable time %q", s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

type rowScanner interface {
	Scan(dest ...any) error
}
