// Package sysinfo assembles the runtime diagnostics served by the API.
package sysinfo

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v4/host"

	"github.com/shrimp-assistant/shrimp/internal/config"
	"github.com/shrimp-assistant/shrimp/internal/shell"
	"github.com/shrimp-assistant/shrimp/internal/store"
)

type Runtime struct {
	Platform        string              `json:"platform"`
	PlatformVersion string              `json:"platform_version,omitempty"`
	Hostname        string              `json:"hostname"`
	UptimeSec       uint64              `json:"uptime_sec,omitempty"`
	GoVersion       string              `json:"go_version"`
	Shell           string              `json:"shell"`
	DBPath          string              `json:"db_path"`
	DBStatus        string              `json:"db_status"`
	Provider        string              `json:"provider"`
	DefaultModel    string              `json:"default_model"`
	AllowedModels   []string            `json:"allowed_models"`
	Sessions        []shell.SessionInfo `json:"sessions"`
}

// Collect gathers host facts plus the live state of the store and the
// shell pool.
func Collect(ctx context.Context, cfg *config.Config, st *store.Store, shells *shell.Manager) Runtime {
	rt := Runtime{
		GoVersion:     runtime.Version(),
		Shell:         cfg.Shell,
		DBPath:        st.Path(),
		DBStatus:      "ok",
		Provider:      cfg.Provider,
		DefaultModel:  cfg.DefaultModel,
		AllowedModels: cfg.AllowedModels,
		Sessions:      shells.List(),
	}
	if rt.AllowedModels == nil {
		rt.AllowedModels = []string{}
	}
	if rt.Sessions == nil {
		rt.Sessions = []shell.SessionInfo{}
	}
	if err := st.Ping(); err != nil {
		rt.DBStatus = "error: " + err.Error()
	}

	if info, err := host.InfoWithContext(ctx); err == nil && info != nil {
		rt.Platform = info.Platform
		if rt.Platform == "" {
			rt.Platform = info.OS
		}
		rt.PlatformVersion = info.PlatformVersion
		rt.Hostname = info.Hostname
		rt.UptimeSec = info.Uptime
	}
	return rt
}
