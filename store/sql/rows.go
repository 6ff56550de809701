package sqlstore

import "database/sql"

// deletedRows unwraps the affected-row count from a purge result. Driver
// errors surface to the caller instead of masquerading as zero rows.
func deletedRows(result sql.Result) (int, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}
