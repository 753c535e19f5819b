package protocol

// IPC file operation types. Agents drop one JSON file per operation into
// their group's inbox; the directory the file sits in, not any field inside
// it, identifies the writer.
const (
	IPCMessage       = "message"
	IPCScheduleTask  = "schedule_task"
	IPCPauseTask     = "pause_task"
	IPCResumeTask    = "resume_task"
	IPCCancelTask    = "cancel_task"
	IPCRegisterGroup = "register_group"
)

// Schedule types for scheduled tasks.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Context modes for scheduled tasks. Isolated runs pass no session to the
// container; group runs resume the group's persistent session.
const (
	ContextGroup    = "group"
	ContextIsolated = "isolated"
)

// Task statuses.
const (
	TaskActive = "active"
	TaskPaused = "paused"
)

// IPCEnvelope is the minimal shape read first to dispatch on type.
type IPCEnvelope struct {
	Type string `json:"type"`
}

// IPCMessagePayload asks the host to deliver text to a group's stream (or
// its buffer when nobody is attached). Field names are fixed by the agent
// runtime; extra fields like groupFolder and timestamp are ignored.
type IPCMessagePayload struct {
	Type    string `json:"type"`
	ChatJID string `json:"chatJid"`
	Text    string `json:"text"`
}

// IPCScheduleTaskPayload creates a scheduled task targeting targetJid.
type IPCScheduleTaskPayload struct {
	Type          string `json:"type"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	ContextMode   string `json:"context_mode,omitempty"`
	TargetJID     string `json:"targetJid"`
	CreatedBy     string `json:"createdBy,omitempty"`
}

// IPCTaskOpPayload pauses, resumes, or cancels a task by id.
type IPCTaskOpPayload struct {
	Type   string `json:"type"`
	TaskID string `json:"taskId"`
}

// IPCRegisterGroupPayload registers a new group. Only files from the main
// group's inbox are honored.
type IPCRegisterGroupPayload struct {
	Type            string              `json:"type"`
	JID             string              `json:"jid"`
	Name            string              `json:"name"`
	Folder          string              `json:"folder,omitempty"`
	Trigger         string              `json:"trigger,omitempty"`
	ContainerConfig *IPCContainerConfig `json:"containerConfig,omitempty"`
}

// IPCContainerConfig optionally overrides how a group's container is run.
type IPCContainerConfig struct {
	Image  string            `json:"image,omitempty"`
	Mounts []string          `json:"mounts,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
}
