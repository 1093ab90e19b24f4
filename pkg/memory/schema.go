package memory

import (
	"github.com/memorihq/memori/pkg/storage"
)

// Schema returns the dialect-rendered DDL for the three tables and
// their indexes. sqlite and postgres share one rendering; mysql needs
// DATETIME columns and inline indexes (its CREATE INDEX has no
// IF NOT EXISTS form).
func Schema(dialect storage.Dialect) storage.Statements {
	if dialect == storage.DialectMySQL {
		return storage.Statements{mysqlChatTable, mysqlLongTermTable, mysqlShortTermTable}
	}

	stmts := storage.Statements{baseChatTable, baseLongTermTable, baseShortTermTable}
	return append(stmts, baseIndexes...)
}

const baseChatTable = `
CREATE TABLE IF NOT EXISTS chat_history (
	chat_id VARCHAR(64) NOT NULL,
	user_input TEXT NOT NULL,
	ai_output TEXT NOT NULL,
	model VARCHAR(255) NOT NULL,
	session_id VARCHAR(255) NOT NULL,
	namespace VARCHAR(64) NOT NULL,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (chat_id, namespace)
);`

const baseLongTermTable = `
CREATE TABLE IF NOT EXISTS long_term_memory (
	memory_id VARCHAR(64) NOT NULL PRIMARY KEY,
	original_chat_id VARCHAR(64),
	processed_data TEXT NOT NULL,
	importance_score REAL NOT NULL DEFAULT 0.5,
	category_primary VARCHAR(128) NOT NULL,
	novelty_score REAL NOT NULL DEFAULT 0,
	relevance_score REAL NOT NULL DEFAULT 0,
	actionability_score REAL NOT NULL DEFAULT 0,
	confidence_score REAL NOT NULL DEFAULT 0,
	classification VARCHAR(32) NOT NULL,
	importance_level VARCHAR(16) NOT NULL,
	topic VARCHAR(255) NOT NULL,
	entities_json TEXT NOT NULL,
	keywords_json TEXT NOT NULL,
	is_user_context BOOLEAN NOT NULL DEFAULT FALSE,
	is_preference BOOLEAN NOT NULL DEFAULT FALSE,
	is_skill_knowledge BOOLEAN NOT NULL DEFAULT FALSE,
	is_current_project BOOLEAN NOT NULL DEFAULT FALSE,
	promotion_eligible BOOLEAN NOT NULL DEFAULT FALSE,
	duplicate_of VARCHAR(64),
	supersedes_json TEXT NOT NULL,
	related_memories_json TEXT NOT NULL,
	extraction_timestamp TIMESTAMP NOT NULL,
	classification_reason TEXT NOT NULL,
	processed_for_duplicates BOOLEAN NOT NULL DEFAULT FALSE,
	promoted_to_short_term BOOLEAN NOT NULL DEFAULT FALSE,
	namespace VARCHAR(64) NOT NULL,
	created_at TIMESTAMP NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	last_accessed TIMESTAMP,
	searchable_content TEXT NOT NULL,
	summary TEXT NOT NULL
);`

const baseShortTermTable = `
CREATE TABLE IF NOT EXISTS short_term_memory (
	memory_id VARCHAR(64) NOT NULL PRIMARY KEY,
	original_chat_id VARCHAR(64),
	processed_data TEXT NOT NULL,
	importance_score REAL NOT NULL DEFAULT 0.5,
	category_primary VARCHAR(128) NOT NULL,
	novelty_score REAL NOT NULL DEFAULT 0,
	relevance_score REAL NOT NULL DEFAULT 0,
	actionability_score REAL NOT NULL DEFAULT 0,
	confidence_score REAL NOT NULL DEFAULT 0,
	classification VARCHAR(32) NOT NULL,
	importance_level VARCHAR(16) NOT NULL,
	topic VARCHAR(255) NOT NULL,
	entities_json TEXT NOT NULL,
	keywords_json TEXT NOT NULL,
	is_user_context BOOLEAN NOT NULL DEFAULT FALSE,
	is_preference BOOLEAN NOT NULL DEFAULT FALSE,
	is_skill_knowledge BOOLEAN NOT NULL DEFAULT FALSE,
	is_current_project BOOLEAN NOT NULL DEFAULT FALSE,
	promotion_eligible BOOLEAN NOT NULL DEFAULT FALSE,
	duplicate_of VARCHAR(64),
	supersedes_json TEXT NOT NULL,
	related_memories_json TEXT NOT NULL,
	extraction_timestamp TIMESTAMP NOT NULL,
	classification_reason TEXT NOT NULL,
	processed_for_duplicates BOOLEAN NOT NULL DEFAULT FALSE,
	promoted_to_short_term BOOLEAN NOT NULL DEFAULT FALSE,
	namespace VARCHAR(64) NOT NULL,
	created_at TIMESTAMP NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	last_accessed TIMESTAMP,
	searchable_content TEXT NOT NULL,
	summary TEXT NOT NULL,
	expires_at TIMESTAMP,
	is_permanent_context BOOLEAN NOT NULL DEFAULT FALSE,
	original_memory_id VARCHAR(64),
	promoted_by VARCHAR(64),
	promoted_at TIMESTAMP
);`

var baseIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_chat_history_namespace ON chat_history(namespace);`,
	`CREATE INDEX IF NOT EXISTS idx_chat_history_session ON chat_history(session_id);`,
	`CREATE INDEX IF NOT EXISTS idx_chat_history_created ON chat_history(created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_long_term_namespace ON long_term_memory(namespace);`,
	`CREATE INDEX IF NOT EXISTS idx_long_term_category ON long_term_memory(namespace, category_primary, importance_score);`,
	`CREATE INDEX IF NOT EXISTS idx_long_term_created ON long_term_memory(created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_long_term_promotion ON long_term_memory(promotion_eligible, is_user_context);`,
	`CREATE INDEX IF NOT EXISTS idx_short_term_namespace ON short_term_memory(namespace);`,
	`CREATE INDEX IF NOT EXISTS idx_short_term_category ON short_term_memory(namespace, category_primary, importance_score);`,
	`CREATE INDEX IF NOT EXISTS idx_short_term_created ON short_term_memory(created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_short_term_expires ON short_term_memory(expires_at);`,
}

const mysqlChatTable = `
CREATE TABLE IF NOT EXISTS chat_history (
	chat_id VARCHAR(64) NOT NULL,
	user_input TEXT NOT NULL,
	ai_output TEXT NOT NULL,
	model VARCHAR(255) NOT NULL,
	session_id VARCHAR(255) NOT NULL,
	namespace VARCHAR(64) NOT NULL,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	metadata TEXT,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (chat_id, namespace),
	INDEX idx_chat_history_namespace (namespace),
	INDEX idx_chat_history_session (session_id),
	INDEX idx_chat_history_created (created_at)
) ENGINE=InnoDB;`

const mysqlLongTermTable = `
CREATE TABLE IF NOT EXISTS long_term_memory (
	memory_id VARCHAR(64) NOT NULL PRIMARY KEY,
	original_chat_id VARCHAR(64),
	processed_data TEXT NOT NULL,
	importance_score REAL NOT NULL DEFAULT 0.5,
	category_primary VARCHAR(128) NOT NULL,
	novelty_score REAL NOT NULL DEFAULT 0,
	relevance_score REAL NOT NULL DEFAULT 0,
	actionability_score REAL NOT NULL DEFAULT 0,
	confidence_score REAL NOT NULL DEFAULT 0,
	classification VARCHAR(32) NOT NULL,
	importance_level VARCHAR(16) NOT NULL,
	topic VARCHAR(255) NOT NULL,
	entities_json TEXT NOT NULL,
	keywords_json TEXT NOT NULL,
	is_user_context BOOLEAN NOT NULL DEFAULT FALSE,
	is_preference BOOLEAN NOT NULL DEFAULT FALSE,
	is_skill_knowledge BOOLEAN NOT NULL DEFAULT FALSE,
	is_current_project BOOLEAN NOT NULL DEFAULT FALSE,
	promotion_eligible BOOLEAN NOT NULL DEFAULT FALSE,
	duplicate_of VARCHAR(64),
	supersedes_json TEXT NOT NULL,
	related_memories_json TEXT NOT NULL,
	extraction_timestamp DATETIME NOT NULL,
	classification_reason TEXT NOT NULL,
	processed_for_duplicates BOOLEAN NOT NULL DEFAULT FALSE,
	promoted_to_short_term BOOLEAN NOT NULL DEFAULT FALSE,
	namespace VARCHAR(64) NOT NULL,
	created_at DATETIME NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	last_accessed DATETIME,
	searchable_content TEXT NOT NULL,
	summary TEXT NOT NULL,
	INDEX idx_long_term_namespace (namespace),
	INDEX idx_long_term_category (namespace, category_primary, importance_score),
	INDEX idx_long_term_created (created_at),
	INDEX idx_long_term_promotion (promotion_eligible, is_user_context)
) ENGINE=InnoDB;`

const mysqlShortTermTable = `
CREATE TABLE IF NOT EXISTS short_term_memory (
	memory_id VARCHAR(64) NOT NULL PRIMARY KEY,
	original_chat_id VARCHAR(64),
	processed_data TEXT NOT NULL,
	importance_score REAL NOT NULL DEFAULT 0.5,
	category_primary VARCHAR(128) NOT NULL,
	novelty_score REAL NOT NULL DEFAULT 0,
	relevance_score REAL NOT NULL DEFAULT 0,
	actionability_score REAL NOT NULL DEFAULT 0,
	confidence_score REAL NOT NULL DEFAULT 0,
	classification VARCHAR(32) NOT NULL,
	importance_level VARCHAR(16) NOT NULL,
	topic VARCHAR(255) NOT NULL,
	entities_json TEXT NOT NULL,
	keywords_json TEXT NOT NULL,
	is_user_context BOOLEAN NOT NULL DEFAULT FALSE,
	is_preference BOOLEAN NOT NULL DEFAULT FALSE,
	is_skill_knowledge BOOLEAN NOT NULL DEFAULT FALSE,
	is_current_project BOOLEAN NOT NULL DEFAULT FALSE,
	promotion_eligible BOOLEAN NOT NULL DEFAULT FALSE,
	duplicate_of VARCHAR(64),
	supersedes_json TEXT NOT NULL,
	related_memories_json TEXT NOT NULL,
	extraction_timestamp DATETIME NOT NULL,
	classification_reason TEXT NOT NULL,
	processed_for_duplicates BOOLEAN NOT NULL DEFAULT FALSE,
	promoted_to_short_term BOOLEAN NOT NULL DEFAULT FALSE,
	namespace VARCHAR(64) NOT NULL,
	created_at DATETIME NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	last_accessed DATETIME,
	searchable_content TEXT NOT NULL,
	summary TEXT NOT NULL,
	expires_at DATETIME,
	is_permanent_context BOOLEAN NOT NULL DEFAULT FALSE,
	original_memory_id VARCHAR(64),
	promoted_by VARCHAR(64),
	promoted_at DATETIME,
	INDEX idx_short_term_namespace (namespace),
	INDEX idx_short_term_category (namespace, category_primary, importance_score),
	INDEX idx_short_term_created (created_at),
	INDEX idx_short_term_expires (expires_at)
) ENGINE=InnoDB;`
