package app

import (
	"github.com/wagate/wagate/internal/domain"
	"github.com/wagate/wagate/pkg/common"
	"go.uber.org/zap"
)

type configSchema struct {
	Category    string
	Name        string
	Default     string
	Description string
}

// Runtime-tunable settings seeded on first start. Operators adjust these in
// sys_config without a restart.
var defaultSettings = []configSchema{
	{"pool", "idle_timeout", "1800", "Seconds of session inactivity before its connection is evicted"},
	{"pool", "max_connections", "200", "Soft cap on concurrently held connections"},
	{"messaging", "qr_expiry", "60", "Seconds a rendered pairing code stays valid"},
	{"bulk", "default_batch_size", "10", "Recipients sent concurrently per bulk batch"},
	{"bulk", "default_batch_delay_ms", "1000", "Milliseconds to pause between bulk batches"},
	{"bulk", "retention_days", "30", "Days to keep finished bulk jobs before cleanup"},
}

// checkSettings seeds missing sys_config rows with their defaults. Existing
// values are never overwritten.
func (a *Application) checkSettings() {
	for sortid, schema := range defaultSettings {
		var count int64
		a.gormDB.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", schema.Category, schema.Name).
			Count(&count)

		if count == 0 {
			a.gormDB.Create(&domain.SysConfig{
				ID:     common.NewID(),
				Sort:   sortid,
				Type:   schema.Category,
				Name:   schema.Name,
				Value:  schema.Default,
				Remark: schema.Description,
			})
			zap.L().Info("initialized config",
				zap.String("key", schema.Category+"."+schema.Name),
				zap.String("default", schema.Default))
		}
	}
}
