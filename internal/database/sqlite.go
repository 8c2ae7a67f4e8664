package database

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
	_ "modernc.org/sqlite"
)

// SQLiteManager owns the local database
type SQLiteManager struct {
	dir    string
	cm     *utils.ConfigManager
	db     *sql.DB
	logger *utils.LogsManager

	Launches *JobLaunchesDB
}

// NewSQLiteManager opens (or creates) the database file in the app data directory
func NewSQLiteManager(cm *utils.ConfigManager, logger *utils.LogsManager) (*SQLiteManager, error) {
	paths := utils.GetAppPaths("")
	sqlm := &SQLiteManager{
		dir:    paths.DataDir,
		cm:     cm,
		logger: logger,
	}

	db, err := sqlm.CreateConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %v", err)
	}
	sqlm.db = db

	if err := sqlm.initializeManagers(); err != nil {
		db.Close()
		return nil, err
	}

	return sqlm, nil
}

// NewSQLiteManagerWithDB wraps an already open connection
func NewSQLiteManagerWithDB(db *sql.DB, logger *utils.LogsManager) (*SQLiteManager, error) {
	sqlm := &SQLiteManager{db: db, logger: logger}
	if err := sqlm.initializeManagers(); err != nil {
		return nil, err
	}
	return sqlm, nil
}

// CreateConnection creates and configures the database connection
func (sqlm *SQLiteManager) CreateConnection() (*sql.DB, error) {
	// Make sure we have os specific path separator since we are adding this path to host's path
	dbFileName := sqlm.cm.GetConfigWithDefault("database_file", "compute-client.db")
	switch runtime.GOOS {
	case "linux", "darwin":
		dbFileName = filepath.ToSlash(dbFileName)
	case "windows":
		dbFileName = filepath.FromSlash(dbFileName)
	default:
		return nil, fmt.Errorf("unsupported OS type `%s`", runtime.GOOS)
	}

	path := filepath.Join(sqlm.dir, dbFileName)

	db, err := sql.Open("sqlite",
		fmt.Sprintf("file:%s?_busy_timeout=5000&_synchronous=NORMAL", path))
	if err != nil {
		sqlm.logger.Error(fmt.Sprintf("Can not create database connection. (%s)", err.Error()), "database")
		return nil, err
	}

	// The daemon is the only writer
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		sqlm.logger.Warn(fmt.Sprintf("Failed to enable WAL mode: %s", err.Error()), "database")
	}

	return db, nil
}

func (sqlm *SQLiteManager) initializeManagers() error {
	var err error
	sqlm.Launches, err = NewJobLaunchesDB(sqlm.db, sqlm.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize job launches table: %v", err)
	}
	sqlm.logger.Debug("Database managers initialized successfully", "database")
	return nil
}

// GetDB returns the database connection for direct access if needed
func (sqlm *SQLiteManager) GetDB() *sql.DB {
	return sqlm.db
}

// Close closes the database connection
func (sqlm *SQLiteManager) Close() error {
	if sqlm.db != nil {
		return sqlm.db.Close()
	}
	return nil
}

// PerformMaintenance prunes launches older than maxAge and optimizes the database
func (sqlm *SQLiteManager) PerformMaintenance(maxAge time.Duration) error {
	pruned, err := sqlm.Launches.PruneJobLaunches(time.Now().Add(-maxAge))
	if err != nil {
		return fmt.Errorf("failed to prune job launches: %w", err)
	}
	if pruned > 0 {
		sqlm.logger.Info(fmt.Sprintf("Maintenance: pruned %d old job launches", pruned), "database")
	}

	if _, err := sqlm.db.Exec("PRAGMA optimize;"); err != nil {
		sqlm.logger.Warn(fmt.Sprintf("Failed to optimize database: %v", err), "database")
	}

	return nil
}
