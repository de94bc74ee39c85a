// Package types defines the shared data model for the task scheduler:
// DAGs, runs, task instances, executor assignments and state changes.
package types
