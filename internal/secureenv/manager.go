// Package secureenv builds the environment a stdio upstream's subprocess
// is spawned with. Grounded on the teacher's internal/secureenv.Manager,
// but narrowed to spec.md §4.2: "environment merged from process env and
// env{} (child inherits only the keys in env; variables there are already
// expanded by SettingsStore)". The teacher's Manager instead auto-allowlists
// a broad set of "safe system variables" (PATH, HOME, locale, XDG dirs,
// etc.) for every subprocess; MCPHub's ServerConfig.Env is the single,
// explicit, already-expanded source of truth and nothing else leaks in.
package secureenv

import "sort"

// Manager builds a subprocess environment from an explicit key set. It
// carries no implicit system-variable allowlist.
type Manager struct {
	explicit map[string]string
}

// NewManager returns a Manager that will hand the child exactly the keys
// present in explicit (already environment-variable-expanded by the
// settings store).
func NewManager(explicit map[string]string) *Manager {
	return &Manager{explicit: explicit}
}

// BuildSecureEnvironment renders the explicit key set as "KEY=VALUE"
// pairs in a stable, sorted order so subprocess environments are
// deterministic across runs (useful for reproducing a reported failure).
func (m *Manager) BuildSecureEnvironment() []string {
	if m == nil || len(m.explicit) == 0 {
		return nil
	}

	keys := make([]string, 0, len(m.explicit))
	for k := range m.explicit {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m.explicit[k])
	}
	return out
}
