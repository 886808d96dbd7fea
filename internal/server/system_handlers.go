package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/paperledger/internal/database"
	"github.com/aristath/paperledger/internal/reliability"
)

// SystemHandlers serves health, system info, and backup endpoints.
type SystemHandlers struct {
	log           zerolog.Logger
	dataDir       string
	databases     []*database.DB
	backupService *reliability.BackupService
	startedAt     time.Time
}

// NewSystemHandlers creates system handlers.
func NewSystemHandlers(log zerolog.Logger, dataDir string, databases []*database.DB, backupService *reliability.BackupService) *SystemHandlers {
	return &SystemHandlers{
		log:           log.With().Str("handler", "system").Logger(),
		dataDir:       dataDir,
		databases:     databases,
		backupService: backupService,
		startedAt:     time.Now(),
	}
}

// HandleHealth runs a quick integrity check on every database.
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	checks := make(map[string]string, len(h.databases))

	for _, db := range h.databases {
		if db == nil {
			continue
		}
		if err := db.QuickCheck(r.Context()); err != nil {
			h.log.Error().Err(err).Str("database", db.Name()).Msg("Database health check failed")
			checks[db.Name()] = err.Error()
			status = "degraded"
		} else {
			checks[db.Name()] = "ok"
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"databases": checks,
		"uptime_s":  int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleSystemInfo reports host and process statistics.
func (h *SystemHandlers) HandleSystemInfo(w http.ResponseWriter, r *http.Request) {
	cpuAvg, ramPct := h.systemStats()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	info := map[string]interface{}{
		"cpu_percent":   cpuAvg,
		"ram_percent":   ramPct,
		"goroutines":    runtime.NumGoroutine(),
		"heap_alloc_mb": float64(m.HeapAlloc) / 1024 / 1024,
		"data_dir_mb":   h.dirSize(h.dataDir),
		"uptime_s":      int64(time.Since(h.startedAt).Seconds()),
	}
	if hostInfo, err := host.Info(); err == nil {
		info["hostname"] = hostInfo.Hostname
		info["os"] = hostInfo.OS
		info["platform"] = hostInfo.Platform
	}

	h.writeJSON(w, http.StatusOK, info)
}

// HandleTriggerBackup runs a backup immediately.
func (h *SystemHandlers) HandleTriggerBackup(w http.ResponseWriter, r *http.Request) {
	if h.backupService == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": "backups are not configured",
		})
		return
	}

	if err := h.backupService.CreateAndUploadBackup(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("Manual backup failed")
		h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": "backup failed",
		})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "backup completed",
	})
}

// HandleListBackups lists stored backups, newest first.
func (h *SystemHandlers) HandleListBackups(w http.ResponseWriter, r *http.Request) {
	if h.backupService == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": "backups are not configured",
		})
		return
	}

	backups, err := h.backupService.ListBackups(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list backups")
		h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to list backups",
		})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"backups": backups,
		"count":   len(backups),
	})
}

// systemStats returns CPU and RAM usage percentages. The CPU sample
// uses a short 100ms window so the endpoint stays fast.
func (h *SystemHandlers) systemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}

// dirSize returns the total size of a directory in MB.
func (h *SystemHandlers) dirSize(dirPath string) float64 {
	var totalSize int64

	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})
	if err != nil {
		h.log.Warn().Err(err).Str("dir", dirPath).Msg("Failed to calculate directory size")
		return 0
	}
	return float64(totalSize) / 1024 / 1024
}

func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
