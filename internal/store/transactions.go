package store

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// terminalStatuses — из них разрешён только переход paid -> refunded.
// expired -> paid разрешён отдельно: средства могли идти дольше нашего TTL,
// пользователь всё равно должен получить ключ.
func transitionAllowed(from, to string) bool {
	if from == to {
		return true
	}
	switch from {
	case TxStatusPending:
		return true
	case TxStatusPaid:
		return to == TxStatusRefunded
	case TxStatusExpired:
		return to == TxStatusPaid
	default: // failed, refunded
		return false
	}
}

// ReservePendingTransaction резервирует pending-транзакцию.
// Возвращает ErrDuplicate, если payment_id уже занят.
func (s *Store) ReservePendingTransaction(paymentID string, userID int64, amount int64, method string, meta TxMetadata) (int64, error) {
	trx := Transaction{
		PaymentID:     paymentID,
		UserID:        userID,
		Status:        TxStatusPending,
		AmountRub:     amount,
		PaymentMethod: method,
		Metadata:      meta.Encode(),
		CreatedDate:   time.Now().UTC(),
	}
	err := s.write(func(tx *gorm.DB) error {
		if err := tx.Create(&trx).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return trx.TransactionID, nil
}

// MarkExtras — дополнительные поля при смене статуса.
type MarkExtras struct {
	TxHash         string
	AmountCurrency float64
	CurrencyName   string
	Metadata       *TxMetadata
}

// MarkTransaction переводит транзакцию в новый статус. Идемпотентна для
// одинаковых терминальных переходов: повтор возвращает false без изменений.
func (s *Store) MarkTransaction(paymentID, newStatus string, extras MarkExtras) (bool, error) {
	changed := false
	err := s.write(func(tx *gorm.DB) error {
		var trx Transaction
		if err := tx.First(&trx, "payment_id = ?", paymentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if trx.Status == newStatus {
			return nil // повтор того же терминального перехода
		}
		if !transitionAllowed(trx.Status, newStatus) {
			return ErrTerminalStatus
		}
		updates := map[string]interface{}{"status": newStatus}
		if extras.TxHash != "" {
			updates["transaction_hash"] = extras.TxHash
		}
		if extras.AmountCurrency != 0 {
			updates["amount_currency"] = extras.AmountCurrency
		}
		if extras.CurrencyName != "" {
			updates["currency_name"] = extras.CurrencyName
		}
		if extras.Metadata != nil {
			updates["metadata"] = extras.Metadata.Encode()
		}
		if err := tx.Model(&Transaction{}).Where("payment_id = ?", paymentID).Updates(updates).Error; err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

// UpdateTransactionMetadata перезаписывает метаданные без смены статуса.
func (s *Store) UpdateTransactionMetadata(paymentID string, meta TxMetadata) error {
	return s.write(func(tx *gorm.DB) error {
		res := tx.Model(&Transaction{}).Where("payment_id = ?", paymentID).
			Update("metadata", meta.Encode())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetPaymentLink сохраняет выданную шлюзом ссылку оплаты.
func (s *Store) SetPaymentLink(paymentID, link string) error {
	return s.write(func(tx *gorm.DB) error {
		return tx.Model(&Transaction{}).Where("payment_id = ?", paymentID).
			Update("payment_link", link).Error
	})
}

func (s *Store) GetTransaction(paymentID string) (*Transaction, error) {
	var trx Transaction
	if err := s.db.First(&trx, "payment_id = ?", paymentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &trx, nil
}

// FindPendingTONByComment ищет pending TON-транзакцию по payment_id из
// комментария перевода.
func (s *Store) FindPendingTONByComment(paymentID string) (*Transaction, error) {
	var trx Transaction
	err := s.db.First(&trx, "payment_id = ? AND status = ? AND payment_method = ?",
		paymentID, TxStatusPending, MethodTON).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &trx, nil
}

// FindPendingTONByAmount — fallback-поиск по сумме: первая подходящая
// pending TON-транзакция с ожидаемой суммой в пределах допуска.
func (s *Store) FindPendingTONByAmount(amountTON float64) (*Transaction, error) {
	var pending []Transaction
	err := s.db.Where("status = ? AND payment_method = ?", TxStatusPending, MethodTON).
		Order("created_date asc").Find(&pending).Error
	if err != nil {
		return nil, err
	}
	const tolerance = 0.000001
	for i := range pending {
		meta, err := DecodeMetadata(pending[i].Metadata)
		if err != nil {
			continue
		}
		diff := meta.ExpectedTON - amountTON
		if diff < 0 {
			diff = -diff
		}
		if diff < tolerance {
			return &pending[i], nil
		}
	}
	return nil, ErrNotFound
}

// StalePendingTransactions — pending старше TTL, кандидаты на expire.
func (s *Store) StalePendingTransactions(ttl time.Duration) ([]Transaction, error) {
	var stale []Transaction
	cutoff := time.Now().UTC().Add(-ttl)
	err := s.db.Where("status = ? AND created_date < ?", TxStatusPending, cutoff).Find(&stale).Error
	return stale, err
}

// PaidUnprovisioned — оплаченные транзакции без маркера provisioned_at
// и без provision_error: их добирает фоновый re-provision scan.
func (s *Store) PaidUnprovisioned() ([]Transaction, error) {
	var paid []Transaction
	if err := s.db.Where("status = ?", TxStatusPaid).Find(&paid).Error; err != nil {
		return nil, err
	}
	out := paid[:0]
	for i := range paid {
		meta, err := DecodeMetadata(paid[i].Metadata)
		if err != nil {
			continue
		}
		if meta.Action == ActionTopup {
			continue
		}
		if meta.ProvisionedAt == "" && meta.ProvisionError == "" {
			out = append(out, paid[i])
			continue
		}
		// провижининг прошёл, но уведомление не ушло — дослать
		if meta.ProvisionedAt != "" && meta.NotifiedAt == "" {
			out = append(out, paid[i])
		}
	}
	return out, nil
}
