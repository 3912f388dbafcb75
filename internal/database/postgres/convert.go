package postgres

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

func numeric(v uint64) decimal.Decimal {
	return decimal.NewFromUint64(v)
}

// toUint64 converts a NUMERIC column back to an unsigned counter.
func toUint64(d decimal.Decimal) (uint64, error) {
	if d.IsNegative() || !d.IsInteger() {
		return 0, fmt.Errorf("value %s is not an unsigned integer", d.String())
	}
	b := d.BigInt()
	if !b.IsUint64() {
		return 0, fmt.Errorf("value %s overflows uint64", d.String())
	}
	return b.Uint64(), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
