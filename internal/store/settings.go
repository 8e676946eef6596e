package store

import (
	"errors"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetSetting читает настройку сквозь кеш. Каждая запись кеш инвалидирует.
func (s *Store) GetSetting(key string) string {
	s.settingsMu.RLock()
	if v, ok := s.settings[key]; ok {
		s.settingsMu.RUnlock()
		return v
	}
	s.settingsMu.RUnlock()

	var setting Setting
	if err := s.db.First(&setting, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.settingsMu.Lock()
			s.settings[key] = ""
			s.settingsMu.Unlock()
		}
		return ""
	}
	s.settingsMu.Lock()
	s.settings[key] = setting.Value
	s.settingsMu.Unlock()
	return setting.Value
}

func (s *Store) UpdateSetting(key, value string) error {
	err := s.write(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).Create(&Setting{Key: key, Value: value}).Error
	})
	if err != nil {
		return err
	}
	s.settingsMu.Lock()
	delete(s.settings, key)
	s.settingsMu.Unlock()
	return nil
}

func (s *Store) GetSettingBool(key string) bool {
	return strings.EqualFold(s.GetSetting(key), "true")
}

// NotifyBeforeHours — набор порогов предупреждения в часах
// (настройка notify_before_hours, по умолчанию 24 и 1).
func (s *Store) NotifyBeforeHours() []int {
	raw := s.GetSetting("notify_before_hours")
	if raw == "" {
		return []int{24, 1}
	}
	var hours []int
	for _, part := range strings.Split(raw, ",") {
		h, err := strconv.Atoi(strings.TrimSpace(part))
		if err == nil && h > 0 {
			hours = append(hours, h)
		}
	}
	if len(hours) == 0 {
		return []int{24, 1}
	}
	return hours
}

// YooKassaCredentials выбирает набор кредов эквайера по флагу
// yookassa_test_mode: true — тестовый магазин, false — боевой.
// Переключение работает на горячую через джобу перечитывания.
func (s *Store) YooKassaCredentials() (shopID, secret string, testMode bool) {
	if s.GetSettingBool("yookassa_test_mode") {
		return s.GetSetting("yookassa_test_shop_id"), s.GetSetting("yookassa_test_secret_key"), true
	}
	return s.GetSetting("yookassa_shop_id"), s.GetSetting("yookassa_secret_key"), false
}

// GlobalDomain — нормализованный глобальный домен (для User-Agent).
func (s *Store) GlobalDomain() string {
	return normalizeDomain(s.GetSetting("global_domain"))
}

// CabinetDomain — база URL кабинета; пустая строка отключает кабинет.
func (s *Store) CabinetDomain() string {
	return normalizeDomain(s.GetSetting("user_cabinet_domain"))
}

// normalizeDomain подставляет протокол и срезает хвостовой слэш.
func normalizeDomain(domain string) string {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return ""
	}
	if !strings.HasPrefix(domain, "http://") && !strings.HasPrefix(domain, "https://") {
		domain = "https://" + domain
	}
	return strings.TrimRight(domain, "/")
}

// SetAdminPassword хеширует и сохраняет пароль админ-панели.
func (s *Store) SetAdminPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.UpdateSetting("admin_password_hash", string(hash))
}

// VerifyAdminCredentials сверяет логин и bcrypt-хеш пароля из настроек.
func (s *Store) VerifyAdminCredentials(username, password string) bool {
	wantUser := s.GetSetting("admin_username")
	hash := s.GetSetting("admin_password_hash")
	if wantUser == "" || hash == "" || username != wantUser {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
