package store

import (
	"errors"
	"strings"
)

var (
	// ErrDuplicate — нарушение уникальности (payment_id уже зарезервирован и т.п.).
	ErrDuplicate = errors.New("store: duplicate")
	// ErrNotFound — строка по ссылке отсутствует.
	ErrNotFound = errors.New("store: not found")
	// ErrInsufficientBalance — списание увело бы баланс в минус.
	ErrInsufficientBalance = errors.New("store: insufficient balance")
	// ErrTerminalStatus — попытка перевести транзакцию из терминального статуса.
	ErrTerminalStatus = errors.New("store: transaction already in terminal status")
)

// isUniqueViolation распознаёт ошибку уникального индекса sqlite.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
