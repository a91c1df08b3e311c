package paymentd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/mediapay/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/mediapay/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/mediapay/pkg/payments"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// persistence is the store implementation chosen by configuration.
type persistence interface {
	payments.Store
	payments.CatalogWriter
	payments.CredentialStore
	ListPurchases(ctx context.Context, buyerID payments.BuyerID, limit int) ([]payments.PurchaseRecord, error)
}

type database struct {
	store   persistence
	ping    func(ctx context.Context) error
	cleanup func()
}

func openStore(ctx context.Context, cfg Config) (database, error) {
	if cfg.StoreDriver == StoreDriverPgx {
		return openPgxStore(ctx, cfg)
	}
	return openGormStore(ctx, cfg)
}

func openPgxStore(ctx context.Context, cfg Config) (database, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return database{}, fmt.Errorf("pgx pool: %w", err)
	}
	store := pgstore.New(pool)
	if cfg.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return database{}, err
		}
	}
	return database{store: store, ping: pool.Ping, cleanup: pool.Close}, nil
}

func openGormStore(ctx context.Context, cfg Config) (database, error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return database{}, err
	}
	gormConfig := &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
	var db *gorm.DB
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), gormConfig)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return database{}, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return database{}, fmt.Errorf("database open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return database{}, err
	}
	if driver == driverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	if driver == driverSQLite || cfg.AutoMigrate {
		if err := gormstore.AutoMigrate(ctx, db); err != nil {
			_ = sqlDB.Close()
			return database{}, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return database{
		store:   gormstore.New(db),
		ping:    sqlDB.PingContext,
		cleanup: func() { _ = sqlDB.Close() },
	}, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if isPostgresURL(dsn) {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "mediapay.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	relative := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(relative), 0o755); err != nil {
		return "", err
	}
	return relative, nil
}
