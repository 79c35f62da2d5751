package config

// ConfigDiff describes what changed between two configs. Hot-reloadable
// fields are tracked individually; everything else only flips
// RestartRequired so the watcher can log an honest warning.
type ConfigDiff struct {
	LogLevelChanged      bool
	NewLogLevel          LogLevel
	PhonebookPathChanged bool
	NewPhonebookPath     string
	FillerDirChanged     bool
	NewFillerDir         string

	// RestartRequired is true when telephony credentials, provider entries
	// or server addresses changed. Live sessions keep their old wiring.
	RestartRequired bool
}

// Changed reports whether the diff carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PhonebookPathChanged || d.FillerDirChanged || d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Phonebook.Path != new.Phonebook.Path {
		d.PhonebookPathChanged = true
		d.NewPhonebookPath = new.Phonebook.Path
	}
	if old.Filler.Dir != new.Filler.Dir {
		d.FillerDirChanged = true
		d.NewFillerDir = new.Filler.Dir
	}

	if old.Telephony != new.Telephony ||
		old.Server.HTTPPort != new.Server.HTTPPort ||
		old.Server.BaseURL != new.Server.BaseURL ||
		old.Server.WebsocketURL != new.Server.WebsocketURL ||
		old.Audit != new.Audit ||
		!providerEntryEqual(old.Providers.LLM, new.Providers.LLM) ||
		!providerEntryEqual(old.Providers.STT, new.Providers.STT) ||
		!providerEntryEqual(old.Providers.TTS, new.Providers.TTS) ||
		!providerEntryEqual(old.Providers.Calendar, new.Providers.Calendar) ||
		!providerEntryEqual(old.Providers.SMS, new.Providers.SMS) {
		d.RestartRequired = true
	}

	return d
}

// providerEntryEqual compares entries ignoring the free-form Options map,
// which is not comparable. An options-only change still requires a restart,
// but the watcher cannot detect it; the provider wiring is built once at
// startup anyway.
func providerEntryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		a.Region == b.Region
}
