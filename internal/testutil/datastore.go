package testutil

import (
	"fmt"
	"strings"
)

// NewTestDSN generates a DSN for an in-memory SQLite database for testing purposes.
// Subtest separators are replaced so every test gets its own database.
func NewTestDSN(testName string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.NewReplacer("/", "_", " ", "_").Replace(testName))
}
