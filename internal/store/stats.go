package store

import "time"

// Stats — сводка для админ-команды статистики. Суммы в копейках.
type Stats struct {
	Users      int64
	ActiveKeys int64
	PaidToday  int64
	PaidMonth  int64
	PaidTotal  int64
}

func (s *Store) AdminStats() (*Stats, error) {
	var st Stats
	if err := s.db.Model(&User{}).Count(&st.Users).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&Key{}).Where("enabled = ?", true).Count(&st.ActiveKeys).Error; err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sum := func(since time.Time) (int64, error) {
		var total int64
		q := s.db.Model(&Transaction{}).Where("status = ?", TxStatusPaid)
		if !since.IsZero() {
			q = q.Where("created_date >= ?", since)
		}
		err := q.Select("COALESCE(SUM(amount_rub), 0)").Scan(&total).Error
		return total, err
	}
	var err error
	if st.PaidToday, err = sum(now.Truncate(24 * time.Hour)); err != nil {
		return nil, err
	}
	if st.PaidMonth, err = sum(now.AddDate(0, 0, -30)); err != nil {
		return nil, err
	}
	if st.PaidTotal, err = sum(time.Time{}); err != nil {
		return nil, err
	}
	return &st, nil
}
