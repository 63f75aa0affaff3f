package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// JSON is a column holding a JSON document decoded into T
type JSON[T any] struct {
	Data T
}

// NewJSON wraps v for storage
func NewJSON[T any](v T) JSON[T] {
	return JSON[T]{Data: v}
}

// Scan implements sql.Scanner interface
func (j *JSON[T]) Scan(value interface{}) error {
	var zero T
	j.Data = zero
	bytes, err := columnBytes(value)
	if err != nil || bytes == nil {
		return err
	}
	if err := json.Unmarshal(bytes, &j.Data); err != nil {
		return fmt.Errorf("failed to unmarshal JSON column: %w", err)
	}
	return nil
}

// Value implements driver.Valuer interface
func (j JSON[T]) Value() (driver.Value, error) {
	data, err := json.Marshal(j.Data)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GormDBDataType picks the native JSON type of the dialect
func (JSON[T]) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return jsonDataType(db)
}

// RawJSON is a nullable column holding an opaque JSON document
type RawJSON json.RawMessage

// Scan implements sql.Scanner interface
func (r *RawJSON) Scan(value interface{}) error {
	bytes, err := columnBytes(value)
	if err != nil {
		return err
	}
	if bytes == nil || string(bytes) == "null" {
		*r = nil
		return nil
	}
	*r = append((*r)[:0], bytes...)
	return nil
}

// Value implements driver.Valuer interface
func (r RawJSON) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	if !json.Valid(r) {
		return nil, fmt.Errorf("invalid JSON document")
	}
	return string(r), nil
}

// GormDBDataType picks the native JSON type of the dialect
func (RawJSON) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return jsonDataType(db)
}

func jsonDataType(db *gorm.DB) string {
	switch db.Dialector.Name() {
	case "postgres":
		return "JSONB"
	case "mysql":
		return "JSON"
	default:
		return "TEXT"
	}
}

func columnBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported JSON column value: %T", value)
	}
}
