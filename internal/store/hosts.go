package store

import (
	"errors"

	"gorm.io/gorm"
)

// ResolveHost ищет панель по host_code, затем по host_name (fallback
// для старых записей).
func (s *Store) ResolveHost(codeOrName string) (*Host, error) {
	var host Host
	err := s.db.First(&host, "host_code = ?", codeOrName).Error
	if err == nil {
		return &host, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	err = s.db.First(&host, "host_name = ?", codeOrName).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &host, nil
}

func (s *Store) GetAllHosts() ([]Host, error) {
	var hosts []Host
	err := s.db.Find(&hosts).Error
	return hosts, err
}

func (s *Store) CreateHost(h Host) error {
	return s.write(func(tx *gorm.DB) error {
		if err := tx.Create(&h).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return err
		}
		return nil
	})
}

func (s *Store) GetPlan(planID int64) (*Plan, error) {
	var plan Plan
	if err := s.db.First(&plan, "plan_id = ?", planID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &plan, nil
}

// GetPlansForHost отдаёт тарифы хоста, видимые в данном контексте
// (display — PlanDisplayNew при покупке, PlanDisplayExtend при
// продлении). Тариф с display_mode=all виден в обоих.
func (s *Store) GetPlansForHost(hostCode, display string) ([]Plan, error) {
	var plans []Plan
	err := s.db.Where("host_code = ? AND display_mode IN ?", hostCode,
		[]string{PlanDisplayAll, display}).Find(&plans).Error
	return plans, err
}

func (s *Store) CreatePlan(p Plan) (int64, error) {
	err := s.write(func(tx *gorm.DB) error {
		return tx.Create(&p).Error
	})
	return p.PlanID, err
}
