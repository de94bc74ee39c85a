package types

// RoutingRule maps a queue name to the executor responsible for it.
// Rules are static configuration, loaded once and read-only at runtime.
type RoutingRule struct {
	Queue    string `yaml:"queue"`
	Executor string `yaml:"executor"`
}

// DefaultQueue is the queue assigned to tasks that declare none.
const DefaultQueue = "default"
