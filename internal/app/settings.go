package app

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/wagate/wagate/internal/domain"
	"github.com/wagate/wagate/pkg/common"
	"go.uber.org/zap"
)

const settingsCacheTTL = 30 * time.Second

// ConfigManager reads runtime-tunable settings from sys_config with a short
// read-through cache. Values are stored as strings and cast on access.
type ConfigManager struct {
	app *Application

	mu       sync.RWMutex
	cache    map[string]string
	loadedAt time.Time
}

func NewConfigManager(app *Application) *ConfigManager {
	return &ConfigManager{app: app, cache: make(map[string]string)}
}

func cacheKey(category, name string) string {
	return category + "." + name
}

func (m *ConfigManager) get(category, name string) string {
	m.mu.RLock()
	fresh := time.Since(m.loadedAt) < settingsCacheTTL
	val, ok := m.cache[cacheKey(category, name)]
	m.mu.RUnlock()
	if fresh && ok {
		return val
	}
	m.reload()

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache[cacheKey(category, name)]
}

func (m *ConfigManager) reload() {
	var rows []domain.SysConfig
	if err := m.app.gormDB.Find(&rows).Error; err != nil {
		zap.L().Warn("failed to reload settings", zap.Error(err))
		return
	}
	cache := make(map[string]string, len(rows))
	for _, row := range rows {
		cache[cacheKey(row.Type, row.Name)] = row.Value
	}
	m.mu.Lock()
	m.cache = cache
	m.loadedAt = time.Now()
	m.mu.Unlock()
}

func (m *ConfigManager) GetString(category, name string) string {
	return m.get(category, name)
}

func (m *ConfigManager) GetInt(category, name string) int {
	return cast.ToInt(m.get(category, name))
}

func (m *ConfigManager) GetInt64(category, name string) int64 {
	return cast.ToInt64(m.get(category, name))
}

func (m *ConfigManager) GetBool(category, name string) bool {
	return cast.ToBool(m.get(category, name))
}

// Save upserts a batch of "category.name" -> value settings and invalidates
// the cache.
func (m *ConfigManager) Save(settings map[string]interface{}) error {
	for key, value := range settings {
		category, name, ok := splitKey(key)
		if !ok {
			return errors.Errorf("settings: invalid key %q", key)
		}
		strVal := cast.ToString(value)

		var count int64
		m.app.gormDB.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", category, name).
			Count(&count)
		if count == 0 {
			if err := m.app.gormDB.Create(&domain.SysConfig{
				ID:    common.NewID(),
				Type:  category,
				Name:  name,
				Value: strVal,
			}).Error; err != nil {
				return errors.Wrap(err, "settings: create")
			}
			continue
		}
		if err := m.app.gormDB.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", category, name).
			Update("value", strVal).Error; err != nil {
			return errors.Wrap(err, "settings: update")
		}
	}

	m.mu.Lock()
	m.loadedAt = time.Time{}
	m.mu.Unlock()
	return nil
}

func splitKey(key string) (category, name string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			return key[:i], key[i+1:], i > 0 && i < len(key)-1
		}
	}
	return "", "", false
}
