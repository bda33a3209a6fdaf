// Package hopperapi holds the request/result DTOs adapters (REST, MCP, CLI)
// use to talk to the routing/delegation core. It carries no behavior of its
// own, a DTO-only surface.
package hopperapi

import "time"

// TaskPriority is the task-facing priority vocabulary, distinct from the
// rules engine's own critical/high/medium/low ladder (see rules.PriorityRule).
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// TaskStatus is the task state machine's vocabulary.
type TaskStatus string

const (
	TaskCreated    TaskStatus = "created"
	TaskPending    TaskStatus = "pending"
	TaskClaimed    TaskStatus = "claimed"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// Scope is the position of an instance in the routing hierarchy.
type Scope string

const (
	ScopeGlobal        Scope = "global"
	ScopeProject       Scope = "project"
	ScopeOrchestration Scope = "orchestration"
	ScopePersonal      Scope = "personal"
	ScopeFamily        Scope = "family"
	ScopeEvent         Scope = "event"
	ScopeFederated     Scope = "federated"
)

// InstanceType is the lifetime class of an instance.
type InstanceType string

const (
	InstancePersistent InstanceType = "persistent"
	InstanceEphemeral  InstanceType = "ephemeral"
	InstanceTemporary  InstanceType = "temporary"
)

// InstanceStatus is the instance lifecycle vocabulary.
type InstanceStatus string

const (
	InstanceCreated   InstanceStatus = "created"
	InstanceStarting  InstanceStatus = "starting"
	InstanceRunning   InstanceStatus = "running"
	InstanceStopping  InstanceStatus = "stopping"
	InstanceStopped   InstanceStatus = "stopped"
	InstancePaused    InstanceStatus = "paused"
	InstanceError     InstanceStatus = "error"
	InstanceTerminated InstanceStatus = "terminated"
)

// DelegationType classifies why a task moved down the tree.
type DelegationType string

const (
	DelegationRoute     DelegationType = "route"
	DelegationDecompose DelegationType = "decompose"
	DelegationEscalate  DelegationType = "escalate"
	DelegationReassign  DelegationType = "reassign"
)

// DelegationStatus is the delegation state machine's vocabulary.
type DelegationStatus string

const (
	DelegationPending   DelegationStatus = "pending"
	DelegationAccepted  DelegationStatus = "accepted"
	DelegationRejected  DelegationStatus = "rejected"
	DelegationCompleted DelegationStatus = "completed"
	DelegationCancelled DelegationStatus = "cancelled"
)

// Strategy names one of the router's five layered resolvers, tagged onto
// every RoutingResult and RoutingEpisode verbatim (spec §4.2).
type Strategy string

const (
	StrategyExplicit    Strategy = "explicit"
	StrategyLearning    Strategy = "learning"
	StrategySimilarTask Strategy = "similar_task"
	StrategyRules       Strategy = "rules"
	StrategyDefault     Strategy = "default"
)

// PatternType classifies what a RoutingPattern matches on.
type PatternType string

const (
	PatternTag      PatternType = "tag"
	PatternText     PatternType = "text"
	PatternPriority PatternType = "priority"
	PatternCombined PatternType = "combined"
)

// ExternalRef links a task to the platform it originated from (issue
// tracker, chat message, ...).
type ExternalRef struct {
	Platform string `json:"platform,omitempty"`
	ID       string `json:"id,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Task is the unit of work routed and delegated by the core.
type Task struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Project      string       `json:"project,omitempty"`
	Tags         []string     `json:"tags,omitempty"`
	Capabilities []string     `json:"capabilities,omitempty"`
	DependsOn    []string     `json:"depends_on,omitempty"`
	Priority     TaskPriority `json:"priority,omitempty"`

	Status     TaskStatus `json:"status"`
	InstanceID string     `json:"instance_id,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`

	External *ExternalRef `json:"external,omitempty"`
}

// Instance is one routing/execution node in the hierarchy tree.
type Instance struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Scope    Scope          `json:"scope"`
	Type     InstanceType   `json:"type"`
	ParentID string         `json:"parent_id,omitempty"`
	Status   InstanceStatus `json:"status"`

	// Configuration holds scope-specific knobs: capabilities, tags,
	// orchestration_threshold, max_concurrent_tasks, auto_delegate,
	// routing_strategy, fallback_strategy, auto_create_orchestrations.
	Configuration map[string]interface{} `json:"configuration,omitempty"`

	// Metadata is a runtime counter bag (active task count, last
	// delegation time), kept distinct from Configuration exactly as the
	// teacher separates ServiceInfo.Metadata from typed config fields.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Delegation is one hop of a task down the instance tree.
type Delegation struct {
	ID               string           `json:"id"`
	TaskID           string           `json:"task_id"`
	SourceInstanceID string           `json:"source_instance_id"`
	TargetInstanceID string           `json:"target_instance_id"`
	Type             DelegationType   `json:"type"`
	Status           DelegationStatus `json:"status"`

	Result           map[string]interface{} `json:"result,omitempty"`
	RejectionReason  string                  `json:"rejection_reason,omitempty"`
	Notes            []string                `json:"notes,omitempty"`

	DelegatedAt time.Time  `json:"delegated_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskSnapshot is the by-value copy of task state an episode records, so the
// episode survives later mutation of the task itself.
type TaskSnapshot struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Project     string       `json:"project,omitempty"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	InstanceID  string       `json:"instance_id,omitempty"`
}

// Outcome is the result of a routing decision, recorded at most once.
type Outcome struct {
	Success  *bool         `json:"success,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Notes    string        `json:"notes,omitempty"`
}

// RoutingEpisode is an after-the-fact record of a routing choice.
type RoutingEpisode struct {
	ID                 string                 `json:"id"`
	TaskID             string                 `json:"task_id"`
	TaskSnapshot       TaskSnapshot           `json:"task_snapshot"`
	InstancesConsidered []string              `json:"instances_considered,omitempty"`
	ChosenInstance     string                 `json:"chosen_instance"`
	Confidence         float64                `json:"confidence"`
	Strategy           Strategy               `json:"strategy"`
	Reasoning          string                 `json:"reasoning,omitempty"`
	DecisionFactors    map[string]interface{} `json:"decision_factors,omitempty"`
	Outcome            Outcome                `json:"outcome"`
	FeedbackID         string                 `json:"feedback_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TagCriteria is a pattern's optional required/optional tag gate.
type TagCriteria struct {
	Required []string `json:"required,omitempty"`
	Optional []string `json:"optional,omitempty"`
}

// TextCriteria is a pattern's optional keyword gate.
type TextCriteria struct {
	Keywords []string `json:"keywords,omitempty"`
}

// RoutingPattern is a learned rule mined by the pattern extractor.
type RoutingPattern struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	Type           PatternType   `json:"type"`
	TagCriteria    *TagCriteria  `json:"tag_criteria,omitempty"`
	TextCriteria   *TextCriteria `json:"text_criteria,omitempty"`
	PriorityCriteria TaskPriority `json:"priority_criteria,omitempty"`
	TargetInstance string        `json:"target_instance"`

	Confidence    float64  `json:"confidence"`
	UsageCount    int      `json:"usage_count"`
	SuccessCount  int      `json:"success_count"`
	FailureCount  int      `json:"failure_count"`
	SourceEpisodes []string `json:"source_episodes,omitempty"`
	Active        bool     `json:"active"`

	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	LastRefinedAt *time.Time `json:"last_refined_at,omitempty"`
}

// Feedback is the user verdict on a routing decision, 1-1 with a Task.
type Feedback struct {
	TaskID              string   `json:"task_id"`
	WasGoodMatch        bool     `json:"was_good_match"`
	ShouldHaveRoutedTo  string   `json:"should_have_routed_to,omitempty"`
	QualityScore        float64  `json:"quality_score"`
	Complexity          int      `json:"complexity"`
	RequiredRework      bool     `json:"required_rework"`
	UnexpectedBlockers  []string `json:"unexpected_blockers,omitempty"`
	MissingSkills       []string `json:"missing_skills,omitempty"`
	Notes               string   `json:"notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RoutingResult is the router's output for one Route call.
type RoutingResult struct {
	Target          string                 `json:"target,omitempty"`
	Confidence      float64                `json:"confidence"`
	Strategy        Strategy               `json:"strategy"`
	Reasoning       string                 `json:"reasoning,omitempty"`
	DecisionFactors map[string]interface{} `json:"decision_factors,omitempty"`
}
