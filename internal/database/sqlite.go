package database

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

var (
	db   *sql.DB
	once sync.Once
)

func Init(dbPath string) error {
	var err error
	once.Do(func() {
		err = open(dbPath)
	})
	return err
}

// InitTest 测试专用：绕过 once，直接打开一个新库
func InitTest(dbPath string) error {
	if db != nil {
		_ = db.Close()
		db = nil
	}
	return open(dbPath)
}

func open(dbPath string) error {
	// 确保数据目录存在
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	// WAL 模式允许写入期间并发读；SQLite 单写多读
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	var err error
	db, err = sql.Open("sqlite", dsn)
	if err != nil {
		return err
	}
	if err = db.Ping(); err != nil {
		return err
	}

	// 限制连接池大小，单一写入者
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err = createTables(); err != nil {
		return err
	}
	return runMigrations()
}

func GetDB() *sql.DB {
	return db
}

func createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		captured_at DATETIME NOT NULL,
		raw_json TEXT NOT NULL DEFAULT '',
		total_requests INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		cumulative_cost_usd REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_captured_at ON snapshots(captured_at DESC);

	CREATE TABLE IF NOT EXISTS model_usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		snapshot_id INTEGER NOT NULL,
		api_endpoint TEXT NOT NULL DEFAULT '',
		model_name TEXT NOT NULL,
		request_count INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		estimated_cost_usd REAL NOT NULL DEFAULT 0,
		captured_at DATETIME NOT NULL,
		FOREIGN KEY (snapshot_id) REFERENCES snapshots(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_model_usage_captured_at ON model_usage(captured_at DESC);
	CREATE INDEX IF NOT EXISTS idx_model_usage_model ON model_usage(model_name);
	CREATE INDEX IF NOT EXISTS idx_model_usage_snapshot ON model_usage(snapshot_id);

	CREATE TABLE IF NOT EXISTS daily_stats (
		date TEXT PRIMARY KEY,
		total_requests INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		total_cost_usd REAL NOT NULL DEFAULT 0,
		breakdown_json TEXT NOT NULL DEFAULT '{}',
		updated_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS rate_limit_configs (
		id TEXT PRIMARY KEY,
		model_pattern TEXT NOT NULL,
		window_minutes INTEGER NOT NULL DEFAULT 1440,
		reset_strategy TEXT NOT NULL DEFAULT 'daily' CHECK (reset_strategy IN ('daily','weekly','rolling')),
		token_limit INTEGER NOT NULL DEFAULT 0,
		request_limit INTEGER NOT NULL DEFAULT 0,
		reset_anchor DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS rate_limit_status (
		config_id TEXT PRIMARY KEY,
		used_tokens INTEGER NOT NULL DEFAULT 0,
		used_requests INTEGER NOT NULL DEFAULT 0,
		remaining_tokens INTEGER NOT NULL DEFAULT 0,
		remaining_requests INTEGER NOT NULL DEFAULT 0,
		percentage INTEGER NOT NULL DEFAULT 100,
		status_label TEXT NOT NULL DEFAULT '',
		window_start DATETIME,
		next_reset DATETIME,
		last_updated DATETIME,
		FOREIGN KEY (config_id) REFERENCES rate_limit_configs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS model_prices (
		id TEXT PRIMARY KEY,
		model TEXT UNIQUE NOT NULL,
		vendor TEXT NOT NULL DEFAULT '',
		input_per_million REAL NOT NULL DEFAULT 0,
		output_per_million REAL NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT 'builtin',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_model_prices_model ON model_prices(model);
	`
	_, err := db.Exec(schema)
	return err
}

func runMigrations() error {
	// 早期版本没有 raw_json 列；失败说明列已存在
	_, _ = db.Exec(`ALTER TABLE snapshots ADD COLUMN raw_json TEXT NOT NULL DEFAULT ''`)

	// reset_anchor 由手动重置写入，老库需要补列
	_, _ = db.Exec(`ALTER TABLE rate_limit_configs ADD COLUMN reset_anchor DATETIME`)

	return nil
}

func Close() error {
	if db != nil {
		return db.Close()
	}
	return nil
}
