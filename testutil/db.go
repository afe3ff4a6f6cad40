// Package testutil provides shared test fixtures: an in-memory database,
// an embedded Redis, and a scripted fake provider that exercises the real
// adapter lifecycle.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/brianfields/promptflow/conversation"
	"github.com/brianfields/promptflow/flow"
	"github.com/brianfields/promptflow/llm/ledger"
)

// OpenTestDB opens an isolated sqlite database with the full schema
// migrated. A per-test file (not :memory:) keeps every pooled connection on
// the same database.
func OpenTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "promptflow.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&ledger.LLMRequest{},
		&flow.FlowRun{},
		&flow.FlowStepRun{},
		&conversation.Conversation{},
		&conversation.Message{},
	))
	return db
}
