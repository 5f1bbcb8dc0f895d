package bus

const (
	TopicBuild = "wasmctl.build"
	TopicChild = "wasmctl.child"
)

const (
	TypeBuildStarted   = "build.started"
	TypeBuildCompleted = "build.completed"
	TypeBuildFailed    = "build.failed"

	TypeChildStarted       = "child.started"
	TypeChildExited        = "child.exited"
	TypeChildRestartFailed = "child.restart.failed"
)

type BuildStarted struct {
	BuildID string `json:"build_id"`
	App     string `json:"app"`
}

type BuildCompleted struct {
	BuildID    string `json:"build_id"`
	App        string `json:"app"`
	DurationMS int64  `json:"duration_ms"`
	Files      int    `json:"files"`
}

type BuildFailed struct {
	BuildID    string `json:"build_id"`
	App        string `json:"app"`
	Stage      string `json:"stage"`
	Error      string `json:"error"`
	DurationMS int64  `json:"duration_ms"`
}

type ChildStarted struct {
	PID  int      `json:"pid"`
	Argv []string `json:"argv"`
}

type ChildExited struct {
	PID      int    `json:"pid"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Killed   bool   `json:"killed,omitempty"`
}

type ChildRestartFailed struct {
	Error string `json:"error"`
}
