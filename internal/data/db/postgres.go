package db

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/lifelog-backend/internal/platform/envutil"
	"github.com/yungbote/lifelog-backend/internal/platform/logger"
)

type Service struct {
	db     *gorm.DB
	log    *logger.Logger
	driver string
}

// NewService opens the record store. DB_DRIVER=sqlite selects an embedded
// database for single-node deployments; anything else means postgres.
func NewService(logg *logger.Logger) (*Service, error) {
	serviceLog := logg.With("service", "DBService")
	driver := strings.ToLower(envutil.Str("DB_DRIVER", "postgres"))

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	var (
		gdb *gorm.DB
		err error
	)
	switch driver {
	case "sqlite":
		path := envutil.Str("SQLITE_PATH", "lifelog.db")
		gdb, err = gorm.Open(sqlite.Open(path), &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
			Logger:                                   gormLog,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite at %s: %w", path, err)
		}
	default:
		driver = "postgres"
		dsn := fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s?sslmode=disable",
			envutil.Str("POSTGRES_USER", "postgres"),
			envutil.Str("POSTGRES_PASSWORD", ""),
			envutil.Str("POSTGRES_HOST", "localhost"),
			envutil.Str("POSTGRES_PORT", "5432"),
			envutil.Str("POSTGRES_NAME", "lifelog"),
		)
		sqlDB, openErr := sql.Open("pgx", dsn)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open pgx pool: %w", openErr)
		}
		sqlDB.SetMaxOpenConns(envutil.Int("POSTGRES_MAX_OPEN_CONNS", 25))
		sqlDB.SetMaxIdleConns(envutil.Int("POSTGRES_MAX_IDLE_CONNS", 5))
		sqlDB.SetConnMaxLifetime(envutil.Duration("POSTGRES_CONN_MAX_LIFETIME", time.Hour))
		gdb, err = gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
			Logger:                                   gormLog,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
		}
	}

	return &Service{db: gdb, log: serviceLog, driver: driver}, nil
}

func (s *Service) DB() *gorm.DB   { return s.db }
func (s *Service) Driver() string { return s.driver }
