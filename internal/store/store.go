package store

import (
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"
)

// Store — единственный владелец всех персистентных строк. Записи
// сериализуются через mu, чтения идут конкурентно (WAL не блокирует
// читателей записью). Долгие операции (провижининг) лок не держат.
type Store struct {
	db *gorm.DB
	mu sync.Mutex

	settingsMu sync.RWMutex
	settings   map[string]string
}

// Open открывает файл БД в режиме WAL и накатывает недостающие миграции.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store{db: db, settings: make(map[string]string)}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// write выполняет функцию под глобальным писательским локом в одной
// короткой транзакции.
func (s *Store) write(fn func(tx *gorm.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Transaction(fn)
}

// Ping проверяет доступность БД (используется /health).
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Checkpoint сбрасывает WAL в основной файл (перед файловым бэкапом).
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type migration struct {
	id          string
	description string
	apply       func(tx *gorm.DB) error
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&MigrationHistory{}); err != nil {
		return err
	}
	migrations := []migration{
		{
			id:          "0001_initial_schema",
			description: "users, hosts, plans, keys, transactions, settings",
			apply: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&User{}, &Host{}, &Plan{}, &Key{}, &Transaction{}, &Setting{})
			},
		},
		{
			id:          "0002_promo_codes",
			description: "promo codes and per-bot usage",
			apply: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&PromoCode{}, &PromoUsage{})
			},
		},
		{
			id:          "0003_cabinet_tokens",
			description: "permanent user cabinet tokens",
			apply: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&CabinetToken{})
			},
		},
		{
			id:          "0004_notifications_log",
			description: "notification log with expiry markers",
			apply: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Notification{})
			},
		},
	}
	for _, m := range migrations {
		var count int64
		if err := s.db.Model(&MigrationHistory{}).Where("migration_id = ?", m.id).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		err := s.db.Transaction(func(tx *gorm.DB) error {
			if err := m.apply(tx); err != nil {
				return err
			}
			return tx.Create(&MigrationHistory{
				MigrationID: m.id,
				AppliedAt:   time.Now().UTC(),
				Description: m.description,
			}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", m.id, err)
		}
	}
	return nil
}
