package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

// Timestamps are stored as unix epoch milliseconds; JSON columns hold maps
// and slices. NULL JSON defaults decode to empty values, never nil panics.

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func toNullMillis(t *time.Time) sql.Null[int64] {
	if t == nil {
		return sql.Null[int64]{}
	}
	return sql.Null[int64]{V: toMillis(*t), Valid: true}
}

func fromNullMillis(n sql.Null[int64]) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.V)
	return &t
}

func toNullString(s *string) sql.Null[string] {
	if s == nil {
		return sql.Null[string]{}
	}
	return sql.Null[string]{V: *s, Valid: true}
}

func fromNullString(n sql.Null[string]) *string {
	if !n.Valid {
		return nil
	}
	s := n.V
	return &s
}

func toNullInt64(v *int64) sql.Null[int64] {
	if v == nil {
		return sql.Null[int64]{}
	}
	return sql.Null[int64]{V: *v, Valid: true}
}

func fromNullInt64(n sql.Null[int64]) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.V
	return &v
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal json column: %w", err)
	}
	return string(data), nil
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	return marshalJSON(m)
}

func marshalStrings(s []string) (string, error) {
	if s == nil {
		return "[]", nil
	}
	return marshalJSON(s)
}

func unmarshalJSON(data string, v any) error {
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("failed to unmarshal json column: %w", err)
	}
	return nil
}
