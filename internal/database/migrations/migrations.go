// Package migrations applies the versioned schema changes tracked in the
// schema_migrations table.
package migrations

import (
	"strings"

	"github.com/gotrs-io/whups/internal/database"
)

// Migration is one reversible schema change. Statements may use the
// {{id}}, {{timestamp}} and {{bigint}} placeholders, expanded per driver.
type Migration struct {
	Version int64
	Name    string
	Up      []string
	Down    []string
}

// All returns the registered migrations in version order.
func All() []Migration {
	return []Migration{baseSchema, shareParents}
}

var columnTypes = map[string]map[string]string{
	database.DriverPostgres: {
		"{{id}}":        "BIGSERIAL PRIMARY KEY",
		"{{timestamp}}": "TIMESTAMP",
		"{{bigint}}":    "BIGINT",
	},
	database.DriverMySQL: {
		"{{id}}":        "BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY",
		"{{timestamp}}": "DATETIME",
		"{{bigint}}":    "BIGINT",
	},
	database.DriverSQLite: {
		"{{id}}":        "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{timestamp}}": "TIMESTAMP",
		"{{bigint}}":    "INTEGER",
	},
}

func expand(driver, stmt string) string {
	for placeholder, typ := range columnTypes[driver] {
		stmt = strings.ReplaceAll(stmt, placeholder, typ)
	}
	return stmt
}

var baseSchema = Migration{
	Version: 1,
	Name:    "whups_base_schema",
	Up: []string{
		`CREATE TABLE whups_queues (
			queue_id {{id}},
			queue_name VARCHAR(255) NOT NULL,
			queue_description TEXT
		)`,
		`CREATE TABLE whups_tickets (
			ticket_id {{id}},
			ticket_summary VARCHAR(255) NOT NULL,
			user_id_requester VARCHAR(255) NOT NULL,
			queue_id INTEGER NOT NULL,
			type_id INTEGER NOT NULL,
			state_id INTEGER NOT NULL,
			priority_id INTEGER NOT NULL,
			date_created {{timestamp}} NOT NULL,
			date_updated {{timestamp}} NOT NULL
		)`,
		`CREATE TABLE whups_logs (
			log_id {{id}},
			transaction_id VARCHAR(36) NOT NULL,
			ticket_id {{bigint}} NOT NULL,
			log_timestamp {{timestamp}} NOT NULL,
			log_type VARCHAR(32) NOT NULL,
			log_value TEXT,
			user_id VARCHAR(255) NOT NULL
		)`,
		`CREATE INDEX whups_logs_ticket_idx ON whups_logs (ticket_id)`,
		`CREATE TABLE whups_attachments (
			attachment_id {{id}},
			ticket_id {{bigint}} NOT NULL,
			attachment_name VARCHAR(255) NOT NULL,
			content_type VARCHAR(255) NOT NULL,
			attachment_size {{bigint}} NOT NULL,
			location VARCHAR(512) NOT NULL,
			checksum VARCHAR(64) NOT NULL,
			created_by VARCHAR(255) NOT NULL,
			created_at {{timestamp}} NOT NULL
		)`,
		`CREATE INDEX whups_attachments_ticket_idx ON whups_attachments (ticket_id)`,
		`CREATE TABLE whups_ticket_listeners (
			ticket_id {{bigint}} NOT NULL,
			user_uid VARCHAR(255) NOT NULL,
			PRIMARY KEY (ticket_id, user_uid)
		)`,
		`CREATE TABLE whups_accounts (
			account_id VARCHAR(255) NOT NULL PRIMARY KEY,
			account_name VARCHAR(255)
		)`,
		`CREATE TABLE whups_account_addresses (
			account_id VARCHAR(255) NOT NULL,
			address VARCHAR(255) NOT NULL,
			PRIMARY KEY (account_id, address)
		)`,
		`CREATE TABLE whups_shares (
			share_id {{id}},
			share_name VARCHAR(255) NOT NULL,
			share_owner VARCHAR(255),
			share_flags INTEGER DEFAULT 0 NOT NULL,
			perm_creator INTEGER DEFAULT 0 NOT NULL,
			perm_default INTEGER DEFAULT 0 NOT NULL,
			perm_guest INTEGER DEFAULT 0 NOT NULL,
			attribute_name VARCHAR(255) NOT NULL,
			attribute_slug VARCHAR(255)
		)`,
	},
	Down: []string{
		`DROP TABLE whups_shares`,
		`DROP TABLE whups_account_addresses`,
		`DROP TABLE whups_accounts`,
		`DROP TABLE whups_ticket_listeners`,
		`DROP TABLE whups_attachments`,
		`DROP TABLE whups_logs`,
		`DROP TABLE whups_tickets`,
		`DROP TABLE whups_queues`,
	},
}

// shareParents adds the materialized ancestor path used by hierarchical shares.
var shareParents = Migration{
	Version: 2,
	Name:    "whups_upgrade_sqlhierarchical",
	Up:      []string{`ALTER TABLE whups_shares ADD COLUMN share_parents TEXT`},
	Down:    []string{`ALTER TABLE whups_shares DROP COLUMN share_parents`},
}
