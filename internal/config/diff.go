package config

import "reflect"

// ConfigDiff describes what changed between two configs, for the
// agent's config-reload path.
type ConfigDiff struct {
	UpstreamsAdded   []string
	UpstreamsRemoved []string
	UpstreamsChanged []string

	MaxRunningBotsChanged bool
	NewMaxRunningBots     int

	ClientsDistributionChanged bool
	NewClientsDistribution     map[string]string

	// NonReloadable lists fields that changed but require a process
	// restart to take effect (e.g. the listen address).
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.UpstreamsAdded) > 0 ||
		len(d.UpstreamsRemoved) > 0 ||
		len(d.UpstreamsChanged) > 0 ||
		d.MaxRunningBotsChanged ||
		d.ClientsDistributionChanged
}

// Diff compares two configs and reports what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	for name := range new.Upstreams {
		if _, ok := old.Upstreams[name]; !ok {
			d.UpstreamsAdded = append(d.UpstreamsAdded, name)
		}
	}
	for name := range old.Upstreams {
		if _, ok := new.Upstreams[name]; !ok {
			d.UpstreamsRemoved = append(d.UpstreamsRemoved, name)
		}
	}
	for name, newURL := range new.Upstreams {
		if oldURL, ok := old.Upstreams[name]; ok && oldURL != newURL {
			d.UpstreamsChanged = append(d.UpstreamsChanged, name)
		}
	}

	if old.MaxRunningBots != new.MaxRunningBots {
		d.MaxRunningBotsChanged = true
		d.NewMaxRunningBots = new.MaxRunningBots
	}

	if !reflect.DeepEqual(old.ClientsDistribution, new.ClientsDistribution) {
		d.ClientsDistributionChanged = true
		d.NewClientsDistribution = new.ClientsDistribution
	}

	if old.Address != new.Address {
		d.NonReloadable = append(d.NonReloadable, "address")
	}
	if old.NATS.Port != new.NATS.Port || old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if old.AgentID != new.AgentID {
		d.NonReloadable = append(d.NonReloadable, "agent_id")
	}

	return d
}
