// Package config resolves process-wide configuration from environment
// variables (§6.4), with an optional TOML overlay for team preset bodies
// (§3.8/§4.C8) an operator wants to persist across restarts (default
// budget/runtime/isolation choices for "simple"/"strict"/"native-first",
// or a custom preset name entirely).
//
// Grounded on internal/config/cost_tier.go's small validated-enum shape
// (named tier constants plus an IsValid/description pair) for the env
// var constants below, generalized from cost tiers to the coordinator's
// own settings surface.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/sessionmesh/coordinator/internal/budget"
	"github.com/sessionmesh/coordinator/internal/team"
)

// Environment variables read by FromEnv (§6.4).
const (
	EnvStateRoot          = "STATE_ROOT"
	EnvResultEnvelope     = "COORDINATOR_RESULT_ENVELOPE"
	EnvWorkerBudgetTokens = "COORDINATOR_WORKER_BUDGET_TOKENS"
	EnvGlobalBudgetPolicy = "COORDINATOR_GLOBAL_BUDGET_POLICY"
	EnvGlobalBudgetTokens = "COORDINATOR_GLOBAL_BUDGET_TOKENS"
	EnvMaxActiveWorkers   = "COORDINATOR_MAX_ACTIVE_WORKERS"
	EnvAsyncMaxParallel   = "COORDINATOR_ASYNC_MAX_PARALLEL"
	EnvPresetOverlayFile  = "COORDINATOR_PRESETS_FILE"
)

// DefaultAsyncMaxParallel is COORDINATOR_ASYNC_MAX_PARALLEL's default
// (§6.4, §6.5): the global concurrency cap for auxiliary subprocesses.
const DefaultAsyncMaxParallel = 4

// Config is the resolved process-wide configuration.
type Config struct {
	StateRoot          string
	ResultEnvelope     bool
	WorkerBudgetTokens int
	GlobalBudgetPolicy string
	GlobalBudgetTokens int
	MaxActiveWorkers   int
	AsyncMaxParallel   int
	PresetOverlayFile  string
}

// FromEnv resolves Config from the process environment. Budget policy
// fields default to "off" (§4.C4: an unset policy never rejects or
// warns), matching worker.BudgetCheck's and internal/budget's treatment
// of a zero-value policy.
func FromEnv() Config {
	return Config{
		StateRoot:          os.Getenv(EnvStateRoot),
		ResultEnvelope:     os.Getenv(EnvResultEnvelope) == "1",
		WorkerBudgetTokens: envInt(EnvWorkerBudgetTokens, 0),
		GlobalBudgetPolicy: envDefault(EnvGlobalBudgetPolicy, budget.PolicyOff),
		GlobalBudgetTokens: envInt(EnvGlobalBudgetTokens, 0),
		MaxActiveWorkers:   envInt(EnvMaxActiveWorkers, 0),
		AsyncMaxParallel:   envInt(EnvAsyncMaxParallel, DefaultAsyncMaxParallel),
		PresetOverlayFile:  os.Getenv(EnvPresetOverlayFile),
	}
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// PresetBody is the TOML shape of one overlaid team preset, mirroring
// team.Policy's fields (§3.8).
type PresetBody struct {
	PermissionMode      string `toml:"permission_mode"`
	RequirePlan         bool   `toml:"require_plan"`
	DefaultMode         string `toml:"default_mode"`
	DefaultRuntime      string `toml:"default_runtime"`
	DefaultContextLevel string `toml:"default_context_level"`
	BudgetPolicy        string `toml:"budget_policy"`
	BudgetTokens        int    `toml:"budget_tokens"`
	GlobalBudgetPolicy  string `toml:"global_budget_policy"`
	GlobalBudgetTokens  int    `toml:"global_budget_tokens"`
	MaxActiveWorkers    int    `toml:"max_active_workers"`
	DefaultIsolate      bool   `toml:"default_isolate"`
}

// presetFile is the on-disk TOML document: a table of preset bodies
// keyed by preset name, e.g. `[presets.simple]`.
type presetFile struct {
	Presets map[string]PresetBody `toml:"presets"`
}

func (b PresetBody) toPolicy() team.Policy {
	return team.Policy{
		PermissionMode:      b.PermissionMode,
		RequirePlan:         b.RequirePlan,
		DefaultMode:         b.DefaultMode,
		DefaultRuntime:      b.DefaultRuntime,
		DefaultContextLevel: b.DefaultContextLevel,
		BudgetPolicy:        b.BudgetPolicy,
		BudgetTokens:        b.BudgetTokens,
		GlobalBudgetPolicy:  b.GlobalBudgetPolicy,
		GlobalBudgetTokens:  b.GlobalBudgetTokens,
		MaxActiveWorkers:    b.MaxActiveWorkers,
		DefaultIsolate:      b.DefaultIsolate,
	}
}

// LoadPresetOverlay reads a TOML file of team preset overrides into the
// shape team.Dispatcher.PresetOverlay expects. An empty path or a
// missing file is not an error — team presets then fall back entirely
// to team.PresetPolicy's compiled-in defaults.
func LoadPresetOverlay(path string) (map[string]team.Policy, error) {
	if path == "" {
		return nil, nil
	}
	var doc presetFile
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: decoding preset overlay %s: %w", path, err)
	}
	overlay := make(map[string]team.Policy, len(doc.Presets))
	for name, body := range doc.Presets {
		overlay[name] = body.toPolicy()
	}
	return overlay, nil
}
