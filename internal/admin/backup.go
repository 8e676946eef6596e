package admin

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"vpn-shop-bot/internal/logger"
)

const backupDir = "backups"

// BackupDatabase копирует файл SQLite в указанный путь. WAL-режим
// позволяет читать файл во время работы, для консистентной точки
// перед копией делается checkpoint.
func (h *Handler) BackupDatabase(filename string) error {
	if err := h.store.Checkpoint(); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	src, err := os.Open(h.dbPath)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return dst.Sync()
}

// CleanOldBackups удаляет бэкапы старше maxAge.
func CleanOldBackups(dir string, maxAge time.Duration) error {
	files, err := filepath.Glob(filepath.Join(dir, "*backup_*.db"))
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(f)
		}
	}
	return nil
}

func (h *Handler) handleBackup(bot *tgbotapi.BotAPI, update *tgbotapi.Update) {
	os.MkdirAll(backupDir, 0o755)
	filename := filepath.Join(backupDir, "backup_"+time.Now().Format("20060102_150405")+".db")
	if err := h.BackupDatabase(filename); err != nil {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Ошибка резервного копирования: "+err.Error()))
		return
	}
	file := tgbotapi.NewDocument(update.Message.Chat.ID, tgbotapi.FilePath(filename))
	file.Caption = "Резервная копия БД"
	bot.Send(file)
	_ = os.Remove(filename)
}

// AutoBackup — плановый бэкап с отправкой файла админу и чисткой
// старых копий.
func (h *Handler) AutoBackup(bot *tgbotapi.BotAPI) {
	os.MkdirAll(backupDir, 0o755)
	filename := filepath.Join(backupDir, "autobackup_"+time.Now().Format("20060102_150405")+".db")
	if err := h.BackupDatabase(filename); err != nil {
		logger.Error("auto backup failed", zap.Error(err))
		return
	}
	file := tgbotapi.NewDocument(h.adminID, tgbotapi.FilePath(filename))
	file.Caption = "Автоматическая резервная копия БД"
	if _, err := bot.Send(file); err != nil {
		logger.Error("auto backup send failed", zap.Error(err))
	}
	_ = CleanOldBackups(backupDir, 31*24*time.Hour)
	logger.Info("auto backup complete", zap.String("file", filename))
}
