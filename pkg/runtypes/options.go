package runtypes

// RunOptions is the flat option set that flows through the three
// precedence layers named in spec §6: working/global-defaults.json
// (lowest), environment variables, and explicit per-request options
// (highest). All three layers decode into the same struct so merging is
// just "later non-zero field wins".
type RunOptions struct {
	WorkingRoot     string `json:"workingRoot,omitempty"`
	LogRoot         string `json:"logRoot,omitempty"`
	NodeInterpreter string `json:"nodeInterpreter,omitempty"`
	PythonInterpreter string `json:"pythonInterpreter,omitempty"`
	CLIScriptPath   string `json:"cliScriptPath,omitempty"`
	ModelPathRoot   string `json:"modelPathRoot,omitempty"`

	SyncEnabled     *bool  `json:"syncEnabled,omitempty"`
	SyncIntervalMs  *int   `json:"syncIntervalMs,omitempty"`
	SyncOnPause     *bool  `json:"syncOnPause,omitempty"`
	SyncOnStop      *bool  `json:"syncOnStop,omitempty"`
	SyncCentralHost string `json:"syncCentralHost,omitempty"`
	SyncCentralPath string `json:"syncCentralPath,omitempty"`
	SyncServiceURL  string `json:"syncServiceUrl,omitempty"`
	SyncAPIKey      string `json:"syncApiKey,omitempty"`
	SyncRetryMaxAttempts *int `json:"syncRetryMaxAttempts,omitempty"`
}

// Merge overlays non-zero fields of override on top of r, implementing the
// "explicit per-request options override everything" precedence rule.
func (r RunOptions) Merge(override RunOptions) RunOptions {
	out := r
	if override.WorkingRoot != "" {
		out.WorkingRoot = override.WorkingRoot
	}
	if override.LogRoot != "" {
		out.LogRoot = override.LogRoot
	}
	if override.NodeInterpreter != "" {
		out.NodeInterpreter = override.NodeInterpreter
	}
	if override.PythonInterpreter != "" {
		out.PythonInterpreter = override.PythonInterpreter
	}
	if override.CLIScriptPath != "" {
		out.CLIScriptPath = override.CLIScriptPath
	}
	if override.ModelPathRoot != "" {
		out.ModelPathRoot = override.ModelPathRoot
	}
	if override.SyncEnabled != nil {
		out.SyncEnabled = override.SyncEnabled
	}
	if override.SyncIntervalMs != nil {
		out.SyncIntervalMs = override.SyncIntervalMs
	}
	if override.SyncOnPause != nil {
		out.SyncOnPause = override.SyncOnPause
	}
	if override.SyncOnStop != nil {
		out.SyncOnStop = override.SyncOnStop
	}
	if override.SyncCentralHost != "" {
		out.SyncCentralHost = override.SyncCentralHost
	}
	if override.SyncCentralPath != "" {
		out.SyncCentralPath = override.SyncCentralPath
	}
	if override.SyncServiceURL != "" {
		out.SyncServiceURL = override.SyncServiceURL
	}
	if override.SyncAPIKey != "" {
		out.SyncAPIKey = override.SyncAPIKey
	}
	if override.SyncRetryMaxAttempts != nil {
		out.SyncRetryMaxAttempts = override.SyncRetryMaxAttempts
	}
	return out
}

// DefaultRunOptions returns the built-in defaults, the lowest-precedence
// layer before working/global-defaults.json is merged in.
func DefaultRunOptions() RunOptions {
	trueVal := true
	interval := 5 * 60 * 1000
	retries := 5
	return RunOptions{
		WorkingRoot:          "working",
		LogRoot:              "logs",
		SyncEnabled:          &trueVal,
		SyncIntervalMs:       &interval,
		SyncOnPause:          &trueVal,
		SyncOnStop:           &trueVal,
		SyncRetryMaxAttempts: &retries,
	}
}
