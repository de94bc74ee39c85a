// Package main provides the entry point for the task-scheduler CLI.
package main

func main() {
	Execute()
}
