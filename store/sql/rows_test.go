package sqlstore

import (
	"errors"
	"testing"
)

type stubResult struct {
	affected int64
	err      error
}

func (r stubResult) LastInsertId() (int64, error) { return 0, nil }
func (r stubResult) RowsAffected() (int64, error) { return r.affected, r.err }

func TestDeletedRowsSurfacesDriverErrors(t *testing.T) {
	if _, err := deletedRows(stubResult{err: errors.New("rows affected unsupported")}); err == nil {
		t.Fatalf("expected driver error to surface")
	}

	count, err := deletedRows(stubResult{affected: 4})
	if err != nil {
		t.Fatalf("deleted rows: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4 purged rows, got %d", count)
	}
}
