package registry

import (
	"time"

	"github.com/gunaso/gunaso/internal/common/errs"
	"github.com/gunaso/gunaso/internal/orchestrator/retrypolicy"
)

// TaskKind is the category governing queue, priority, and retry policy.
type TaskKind string

// The closed set of task kinds.
const (
	KindLLM        TaskKind = "LLM"
	KindFileUpload TaskKind = "FileUpload"
	KindMessaging  TaskKind = "Messaging"
	KindDatabase   TaskKind = "Database"
	KindDefault    TaskKind = "Default"
)

// Queue priorities.
const (
	PriorityLow      = 3
	PriorityMedium   = 5
	PriorityHigh     = 7
	PriorityCritical = 9
)

// KindConfig is the fixed configuration attached to every task of a kind.
type KindConfig struct {
	Service  string
	Queue    string
	Priority int
	Retry    retrypolicy.Policy
}

// QueueNames maps each kind to its broker queue. Overridden from
// configuration at startup via SetQueues.
var defaultQueues = map[TaskKind]string{
	KindLLM:        "llm",
	KindFileUpload: "file_upload",
	KindMessaging:  "messaging",
	KindDatabase:   "database",
	KindDefault:    "default",
}

// kindConfigs returns the per-kind configuration table.
func kindConfigs(queues map[TaskKind]string) map[TaskKind]KindConfig {
	q := func(k TaskKind) string {
		if name, ok := queues[k]; ok && name != "" {
			return name
		}
		return defaultQueues[k]
	}
	return map[TaskKind]KindConfig{
		KindLLM: {
			Service:  "llm-service",
			Queue:    q(KindLLM),
			Priority: PriorityHigh,
			Retry: retrypolicy.Policy{
				MaxRetries:    3,
				InitialDelay:  2 * time.Second,
				MaxDelay:      30 * time.Second,
				BackoffFactor: 2,
				RetryOn:       []string{errs.KindConnection, errs.KindTimeout, errs.KindRateLimit},
			},
		},
		KindFileUpload: {
			Service:  "file-service",
			Queue:    q(KindFileUpload),
			Priority: PriorityMedium,
			Retry: retrypolicy.Policy{
				MaxRetries:    2,
				InitialDelay:  1 * time.Second,
				MaxDelay:      10 * time.Second,
				BackoffFactor: 2,
				RetryOn:       []string{errs.KindIO, errs.KindFileNotFound},
			},
		},
		KindDatabase: {
			Service:  "db-service",
			Queue:    q(KindDatabase),
			Priority: PriorityCritical,
			Retry: retrypolicy.Policy{
				MaxRetries:    3,
				InitialDelay:  1 * time.Second,
				MaxDelay:      20 * time.Second,
				BackoffFactor: 2,
				RetryOn:       []string{errs.KindConnection, errs.KindTimeout, errs.KindDeadlock},
			},
		},
		KindMessaging: {
			Service:  "messaging-service",
			Queue:    q(KindMessaging),
			Priority: PriorityMedium,
			Retry: retrypolicy.Policy{
				MaxRetries:    2,
				InitialDelay:  2 * time.Second,
				MaxDelay:      15 * time.Second,
				BackoffFactor: 2,
				RetryOn:       []string{errs.KindConnection, errs.KindTimeout},
			},
		},
		KindDefault: {
			Service:  "task-service",
			Queue:    q(KindDefault),
			Priority: PriorityLow,
			Retry: retrypolicy.Policy{
				MaxRetries:    2,
				InitialDelay:  1 * time.Second,
				MaxDelay:      10 * time.Second,
				BackoffFactor: 2,
				RetryOn:       nil, // any transient error
			},
		},
	}
}
