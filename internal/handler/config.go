package handler

import (
	"net/http"

	"github.com/timeslice/internal/config"
)

// ConfigHandler отдаёт публичные параметры конфигурации (без авторизации).
type ConfigHandler struct {
	cfg *config.Config
}

// NewConfigHandler создаёт обработчик конфигурации.
func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

// GetDashboardConfig возвращает параметры клиентского кеша снимков дашборда.
func (h *ConfigHandler) GetDashboardConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot_ttl_seconds": int(h.cfg.Dashboard.SnapshotTTL.Seconds()),
		"flush_batch_max":      h.cfg.Dashboard.FlushBatchMax,
	})
}

// GetPushConfig возвращает публичный VAPID-ключ для подписки на пуши (если включены).
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	if h.cfg.PushServiceURL == "" || h.cfg.PushVAPIDPublicKey == "" {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":          true,
		"vapid_public_key": h.cfg.PushVAPIDPublicKey,
	})
}
