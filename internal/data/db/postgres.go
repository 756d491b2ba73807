package db

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/autoflow-backend/internal/platform/envutil"
	"github.com/yungbote/autoflow-backend/internal/platform/logger"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

type Options struct {
	Driver string
	DSN    string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	SlowThreshold   time.Duration
	Silent          bool
}

// OptionsFromEnv reads DB_DRIVER / DB_DSN, falling back to the discrete
// POSTGRES_* variables for the default driver.
func OptionsFromEnv() Options {
	driver := strings.ToLower(envutil.String("DB_DRIVER", DriverPostgres))
	dsn := envutil.String("DB_DSN", "")
	if dsn == "" && driver == DriverPostgres {
		dsn = fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s?sslmode=disable",
			envutil.String("POSTGRES_USER", "postgres"),
			envutil.String("POSTGRES_PASSWORD", ""),
			envutil.String("POSTGRES_HOST", "localhost"),
			envutil.String("POSTGRES_PORT", "5432"),
			envutil.String("POSTGRES_NAME", "autoflow"),
		)
	}
	if dsn == "" && driver == DriverSQLite {
		dsn = "file:autoflow.db?_busy_timeout=5000&_journal_mode=WAL"
	}
	return Options{
		Driver:          driver,
		DSN:             dsn,
		MaxOpenConns:    envutil.Int("DB_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    envutil.Int("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: envutil.Duration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		SlowThreshold:   envutil.Duration("DB_SLOW_THRESHOLD", time.Second),
	}
}

type Service struct {
	db     *gorm.DB
	driver string
	log    *logger.Logger
}

func NewService(logg *logger.Logger, opts Options) (*Service, error) {
	serviceLog := logg.With("service", "DBService", "driver", opts.Driver)

	dialector, err := dialectorFor(opts)
	if err != nil {
		return nil, err
	}

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             opts.SlowThreshold,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	if opts.Silent {
		gormLog = gormLogger.Default.LogMode(gormLogger.Silent)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
		NowFunc:                                  func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db handle: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	serviceLog.Info("database connected")
	return &Service{db: db, driver: opts.Driver, log: serviceLog}, nil
}

func dialectorFor(opts Options) (gorm.Dialector, error) {
	if strings.TrimSpace(opts.DSN) == "" {
		return nil, fmt.Errorf("missing DSN for driver %q", opts.Driver)
	}
	switch opts.Driver {
	case DriverPostgres, "pg", "postgresql":
		return postgres.Open(opts.DSN), nil
	case DriverMySQL:
		return mysql.Open(opts.DSN), nil
	case DriverSQLite, "sqlite3":
		return sqlite.Open(opts.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", opts.Driver)
	}
}

func (s *Service) DB() *gorm.DB { return s.db }

func (s *Service) Driver() string { return s.driver }

func (s *Service) AutoMigrateAll() error {
	if err := AutoMigrateAll(s.db); err != nil {
		return err
	}
	return EnsureIndexes(s.db)
}

func (s *Service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
