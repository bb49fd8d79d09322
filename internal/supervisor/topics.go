package supervisor

// Bus topics published by the supervisor. All are published with
// bus.OriginHost.
const (
	TopicInitializing        = "runtime.initializing"
	TopicReady               = "runtime.ready"
	TopicDegraded            = "runtime.degraded"
	TopicDisposed            = "runtime.disposed"
	TopicNavigationStarting  = "engine.navigation.starting"
	TopicNavigationCompleted = "engine.navigation.completed"
)

// StateChange is the payload of the runtime.* topics.
type StateChange struct {
	RuntimeID string `json:"runtime_id"`
	From      State  `json:"from"`
	To        State  `json:"to"`
	Reason    string `json:"reason,omitempty"`
	Version   string `json:"version,omitempty"`
}

// NavigationEvent is the payload of the engine.navigation.* topics.
type NavigationEvent struct {
	RuntimeID string `json:"runtime_id"`
	Target    string `json:"target"`
	Error     string `json:"error,omitempty"`
}
