package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"vpn-shop-bot/internal/orchestrator"
	"vpn-shop-bot/internal/panel"
	"vpn-shop-bot/internal/store"
)

// Notifier — исходящие уведомления об истечении (реализует bot.Sender).
type Notifier interface {
	SendExpired(userID int64) error
	SendExpiryNotice(userID int64, hoursLeft int, expiry time.Time) error
}

// Scheduler держит фоновые задачи платформы: отключение истёкших
// ключей, предупреждения об истечении, уборку протухших pending,
// добор оплаченных и сверку с панелями.
type Scheduler struct {
	store  *store.Store
	panels *panel.Registry
	orch   *orchestrator.Orchestrator
	sender Notifier

	cron *cron.Cron
}

func New(s *store.Store, panels *panel.Registry, orch *orchestrator.Orchestrator, sender Notifier) *Scheduler {
	return &Scheduler{store: s, panels: panels, orch: orch, sender: sender, cron: cron.New()}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.cron.AddFunc("@every 1m", func() { s.ExpireKeys(ctx) })
	s.cron.AddFunc("@every 5m", func() { s.NotifyExpiring(ctx) })
	s.cron.AddFunc("@every 10m", func() { s.orch.SweepStalePending(ctx) })
	s.cron.AddFunc("@every 2m", func() { s.orch.RescanPaid(ctx) })
	s.cron.AddFunc("@every 1h", func() { s.SyncPanels(ctx) })
	s.cron.Start()
}

// AddJob вешает дополнительную задачу на общий cron (бэкапы,
// перечитывание кредов шлюзов).
func (s *Scheduler) AddJob(spec string, fn func()) {
	s.cron.AddFunc(spec, fn)
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
