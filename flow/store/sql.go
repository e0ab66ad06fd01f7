package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/flowline-io/flowline/flow/model"
)

// sqlTimeLayout is a fixed-width UTC timestamp format. Fixed width keeps
// lexicographic order equal to chronological order, so deadline comparisons
// can run in SQL against text columns.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatSQLTime(t time.Time) string {
	return t.UTC().Format(sqlTimeLayout)
}

func parseSQLTime(s string) (time.Time, error) {
	// Older rows may carry trimmed fractional seconds.
	if t, err := time.Parse(sqlTimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// scanApproval decodes one approval row. The scan argument abstracts over
// sql.Row and sql.Rows.
func scanApproval(scan func(dest ...any) error) (model.ApprovalRequest, error) {
	var (
		req         model.ApprovalRequest
		previewJSON string
		decision    string
		deadline    string
		createdAt   string
	)
	err := scan(&req.ID, &req.RunID, &req.NodeID, &previewJSON, &decision, &deadline, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ApprovalRequest{}, ErrNotFound
	}
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("failed to scan approval: %w", err)
	}
	req.Decision = model.Decision(decision)
	if err := json.Unmarshal([]byte(previewJSON), &req.Preview); err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("failed to unmarshal preview: %w", err)
	}
	if req.Deadline, err = parseSQLTime(deadline); err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("failed to parse deadline: %w", err)
	}
	if req.CreatedAt, err = parseSQLTime(createdAt); err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return req, nil
}

// isUniqueViolation reports whether the driver error is a unique constraint
// violation, across the SQLite and MySQL drivers.
func isUniqueViolation(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}
