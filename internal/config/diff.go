package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; listener, bus,
// and provider changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ConversationChanged is true when the affirmative or negative token
	// lists differ. New sessions pick the new lists up immediately.
	ConversationChanged bool

	// GreetingChanged is true when the greeting message, voice, or delay
	// differ.
	GreetingChanged bool

	// GoodbyesChanged is true when any farewell text differs.
	GoodbyesChanged bool
}

// Empty reports whether the diff carries no hot-reloadable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ConversationChanged && !d.GreetingChanged && !d.GoodbyesChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !equalTokens(old.Conversation.AffirmativeTokens, new.Conversation.AffirmativeTokens) ||
		!equalTokens(old.Conversation.NegativeTokens, new.Conversation.NegativeTokens) {
		d.ConversationChanged = true
	}

	if old.Greeting != new.Greeting {
		d.GreetingChanged = true
	}

	if !equalMessages(old.CallTermination.GoodbyeMessages.Visitor, new.CallTermination.GoodbyeMessages.Visitor) ||
		!equalMessages(old.CallTermination.GoodbyeMessages.Resident, new.CallTermination.GoodbyeMessages.Resident) {
		d.GoodbyesChanged = true
	}

	return d
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalMessages(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
