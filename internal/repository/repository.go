// Package repository holds the SQLite-backed stores for the campaign engine.
// Every mutation is scoped to a single row key.
package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ChrisDover/centinela-intel-sub001/internal/apperr"
)

// expectOneRow turns a zero-row update into apperr.ErrNotFound
func expectOneRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", entity, id, apperr.ErrNotFound)
	}
	return nil
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// placeholders returns "?, ?, ?" for n arguments
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
