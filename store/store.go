package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/updraft-io/updraft/update"
)

// Store is the durable, transactional persistence layer for updates and
// assets. All mutations are wrapped in single transactions and fail closed:
// partial update or asset state is never observable by readers.
type Store interface {
	AddUpdate(ctx context.Context, upd *update.Update) error
	AddAsset(ctx context.Context, asset *update.Asset, updateID uuid.UUID) error
	UpdateStatus(ctx context.Context, updateID uuid.UUID, newStatus update.UpdateStatus) error

	GetUpdate(ctx context.Context, updateID uuid.UUID) (*update.Update, error)
	AllUpdates(ctx context.Context, scopeKey string) ([]update.Update, error)
	LaunchableUpdates(ctx context.Context, scopeKey string, filters update.ManifestFilters) ([]update.Update, error)
	AssetsForUpdate(ctx context.Context, updateID uuid.UUID) ([]update.Asset, error)
	AssetByContentHash(ctx context.Context, hashContent string) (*update.Asset, error)

	MarkUpdateAccessed(ctx context.Context, updateID uuid.UUID) error
	IncrementSuccessfulLaunchCount(ctx context.Context, updateID uuid.UUID) error
	IncrementFailedLaunchCount(ctx context.Context, updateID uuid.UUID) error

	MarkUpdatesForDeletion(ctx context.Context, updateIDs []uuid.UUID) error
	MarkAssetsForDeletion(ctx context.Context, assetIDs []uint) error
	MarkedAssets(ctx context.Context) ([]update.Asset, error)
	UnreferencedAssets(ctx context.Context) ([]update.Asset, error)
	DeleteAssetsWithIDs(ctx context.Context, assetIDs []uint) error
	DeleteUnusedUpdates(ctx context.Context) error

	Close(ctx context.Context) error
}

// Engine is the type of the database the store runs on
type Engine string

const (
	SqliteStoreEngine   Engine = "sqlite"
	PostgresStoreEngine Engine = "postgres"

	storeSqliteFileName = "updraft.db"
	postgresDsnEnv      = "UPDRAFT_STORE_ENGINE_POSTGRES_DSN"
)

func getStoreEngineFromEnv() Engine {
	// UPDRAFT_STORE_ENGINE supposed to be used in tests. Otherwise, rely on the config file.
	kind, ok := os.LookupEnv("UPDRAFT_STORE_ENGINE")
	if !ok {
		return ""
	}

	value := Engine(strings.ToLower(kind))
	if value == PostgresStoreEngine {
		return value
	}

	return SqliteStoreEngine
}

// NewStore creates a new store based on the provided engine type and data directory
func NewStore(ctx context.Context, kind Engine, dataDir string) (Store, error) {
	if kind == "" {
		kind = getStoreEngineFromEnv()
		if kind == "" {
			kind = SqliteStoreEngine
		}
	}

	switch kind {
	case SqliteStoreEngine:
		log.Info("using SQLite store engine")
		return NewSqliteStore(ctx, dataDir)
	case PostgresStoreEngine:
		log.Info("using Postgres store engine")
		return newPostgresStore(ctx)
	default:
		return nil, fmt.Errorf("unsupported kind of store: %s", kind)
	}
}

// NewSqliteStore creates a store backed by a SQLite file inside dataDir
func NewSqliteStore(ctx context.Context, dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	file := filepath.Join(dataDir, storeSqliteFileName)
	db, err := gorm.Open(sqlite.Open(file+"?cache=shared&_journal_mode=WAL"), getGormConfig())
	if err != nil {
		return nil, err
	}

	return NewSqlStore(ctx, db)
}

func newPostgresStore(ctx context.Context) (Store, error) {
	dsn, ok := os.LookupEnv(postgresDsnEnv)
	if !ok {
		return nil, fmt.Errorf("%s is not set", postgresDsnEnv)
	}

	db, err := gorm.Open(postgres.Open(dsn), getGormConfig())
	if err != nil {
		return nil, err
	}

	return NewSqlStore(ctx, db)
}

func getGormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: true,
	}
}
