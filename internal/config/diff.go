package config

import (
	"reflect"
	"sort"
	"strings"

	"pulse/pkg/logx"
)

// Sections that can be applied to a running process without a restart.
var hotSections = map[string]bool{"logging": true, "diag": true}

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging (never includes tokens or passwords).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.ServerID) != strings.TrimSpace(newCfg.ServerID) {
		changed = append(changed, "server_id")
		attrs = append(attrs, logx.String("server_id", strings.TrimSpace(newCfg.ServerID)))
	}

	if oldCfg.Heartbeat.PrintEvery() != newCfg.Heartbeat.PrintEvery() ||
		oldCfg.Heartbeat.BroadcastEvery() != newCfg.Heartbeat.BroadcastEvery() ||
		strings.TrimSpace(oldCfg.Heartbeat.Period) != strings.TrimSpace(newCfg.Heartbeat.Period) ||
		strings.TrimSpace(oldCfg.Heartbeat.PublishTimeout) != strings.TrimSpace(newCfg.Heartbeat.PublishTimeout) {
		changed = append(changed, "heartbeat")
		attrs = append(attrs,
			logx.Duration("heartbeat.interval", newCfg.Heartbeat.PrintEvery()),
			logx.Duration("heartbeat.broadcast", newCfg.Heartbeat.BroadcastEvery()),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Bus, newCfg.Bus) {
		changed = append(changed, "bus")
		attrs = append(attrs,
			logx.String("bus.driver", newCfg.Bus.Driver),
			logx.Int("bus.buffer_size", newCfg.Bus.BufferSize),
		)
	}

	if oldCfg.Monitor != newCfg.Monitor {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.Bool("monitor.enabled", newCfg.Monitor.Enabled),
			logx.String("monitor.server_id", newCfg.Monitor.Filter()),
		)
	}

	var oStore, nStore StorageConfig
	if oldCfg.Storage != nil {
		oStore = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nStore = *newCfg.Storage
	}
	if oStore != nStore {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nStore.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nStore.Path) != ""),
		)
	}

	if oldCfg.Diag != newCfg.Diag {
		changed = append(changed, "diag")
		attrs = append(attrs,
			logx.Bool("diag.enabled", newCfg.Diag.Enabled),
			logx.String("diag.addr", strings.TrimSpace(newCfg.Diag.Addr)),
			logx.Bool("diag.token_set", strings.TrimSpace(newCfg.Diag.Token) != ""),
		)
	}

	if oldCfg.Systemd.NotifyEnabled() != newCfg.Systemd.NotifyEnabled() {
		changed = append(changed, "systemd")
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters changed down to the sections that a running
// process cannot pick up.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !hotSections[s] {
			out = append(out, s)
		}
	}
	return out
}
