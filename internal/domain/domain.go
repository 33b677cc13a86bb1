package domain

// TaskStatus is the completion marker of a ledger task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskDone    TaskStatus = "done"
	TaskBlocked TaskStatus = "blocked"
)

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskDone, TaskBlocked:
		return true
	}
	return false
}

func (s TaskStatus) String() string { return string(s) }

// State is the lifecycle state of a project, derived from its artifacts.
type State string

const (
	StateNoProject         State = "no_project"
	StateRequirementsExist State = "requirements_exist"
	StateTasksExist        State = "tasks_exist"
	StateImplementing      State = "implementing"
	StateAllComplete       State = "all_complete"
	StateArchived          State = "archived"
)

func (s State) String() string { return string(s) }

type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status" enum:"pending,done,blocked"`
	BlockReason string     `json:"block_reason,omitempty"`
	Order       int        `json:"order"`
	Phase       string     `json:"phase,omitempty"`
}

// Artifacts records which project documents exist.
type Artifacts struct {
	Requirements     bool   `json:"requirements"`
	RequirementsFile string `json:"requirements_file,omitempty"`
	TaskList         bool   `json:"task_list"`
	ImplementConfig  bool   `json:"implement_config"`
}

type TaskCounts struct {
	Total   int `json:"total"`
	Done    int `json:"done"`
	Pending int `json:"pending"`
	Blocked int `json:"blocked"`
}

// Remaining is the number of tasks that are not done.
func (c TaskCounts) Remaining() int { return c.Pending + c.Blocked }

type Project struct {
	Name      string     `json:"name"`
	State     State      `json:"state"`
	Archived  bool       `json:"archived"`
	Artifacts Artifacts  `json:"artifacts"`
	Counts    TaskCounts `json:"counts"`
	Current   *Task      `json:"current,omitempty"`
	// Implementation is the implementation config, once work has started.
	Implementation *ImplementConfig `json:"implementation,omitempty"`
	// Error is set by overviews when one project could not be read.
	Error string `json:"error,omitempty"`
}

// ImplementConfig is the implementation-config artifact written when work starts.
type ImplementConfig struct {
	Project   string `json:"project"`
	StartedAt string `json:"started_at" format:"date-time"`
	StartedBy string `json:"started_by,omitempty"`
}

type PromptRecord struct {
	ID             string `json:"id" yaml:"id"`
	Timestamp      string `json:"timestamp" yaml:"timestamp" format:"date-time"`
	Executed       bool   `json:"executed" yaml:"executed"`
	ExecutedAt     string `json:"executed_at,omitempty" yaml:"executedAt,omitempty" format:"date-time"`
	OriginalPrompt string `json:"original_prompt" yaml:"originalPrompt"`
	OptimizedText  string `json:"optimized_text" yaml:"-"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
