package rules

// Presets returns the built-in rule set installed on first run. Installed
// copies get fresh ids; PresetID ties them back here so reinstallation is
// idempotent and user edits survive upgrades.
func Presets() []Rule {
	return []Rule{
		{
			Name:     "Retry npm install with legacy peer deps",
			PresetID: "npm-eresolve-retry",
			IsPreset: true,
			Category: CategoryRecovery,
			Enabled:  true,
			Priority: 80,
			Patterns: []Pattern{
				{Mode: ModeRegex, Text: `npm error code ERESOLVE`},
				{Mode: ModeLiteral, Text: "ERESOLVE unable to resolve dependency tree"},
			},
			Actions: []Action{
				{Kind: ActionSendText, Payload: "npm install --legacy-peer-deps", DelayMs: 500},
				{Kind: ActionSendKeys, Payload: "Enter"},
			},
			CooldownSeconds:       300,
			MaxTriggersPerSession: 3,
		},
		{
			Name:     "Clear stuck rate-limit banner",
			PresetID: "rate-limit-wait",
			IsPreset: true,
			Category: CategoryRecovery,
			Enabled:  true,
			Priority: 70,
			Patterns: []Pattern{
				{Mode: ModeRegex, Text: `rate limit(ed)?.*try again`},
			},
			Actions: []Action{
				{Kind: ActionSendKeys, Payload: "Enter", DelayMs: 30000},
			},
			CooldownSeconds:       600,
			MaxTriggersPerSession: 5,
		},
		{
			Name:     "Surface permission prompts",
			PresetID: "permission-prompt-question",
			IsPreset: true,
			Category: CategoryPrompt,
			Enabled:  true,
			Priority: 90,
			Patterns: []Pattern{
				{Mode: ModeRegex, Text: `Do you want to (allow|proceed)`},
			},
			Actions: []Action{
				{Kind: ActionShowQuestionUI, Question: &QuestionConfig{
					Kind:     "confirm",
					Question: "Agent {agent} is asking for permission in {session}",
				}},
			},
			CooldownSeconds: 10,
		},
		{
			Name:     "Nudge a stalled shell prompt",
			PresetID: "stall-nudge",
			IsPreset: true,
			Category: CategoryStall,
			Enabled:  false,
			Priority: 10,
			Patterns: []Pattern{
				{Mode: ModeRegex, Text: `^\s*[$%>]\s*$`},
			},
			Actions: []Action{
				{Kind: ActionSignal, Payload: "idle"},
			},
			CooldownSeconds:       120,
			MaxTriggersPerSession: 10,
		},
		{
			Name:     "Notify on fatal errors",
			PresetID: "fatal-error-notify",
			IsPreset: true,
			Category: CategoryNotification,
			Enabled:  true,
			Priority: 60,
			Patterns: []Pattern{
				{Mode: ModeRegex, Text: `(FATAL|panic:|Traceback \(most recent call last\))`},
			},
			Actions: []Action{
				{Kind: ActionNotifyOnly, Payload: "{session}: {match}"},
			},
			CooldownSeconds: 60,
		},
	}
}
