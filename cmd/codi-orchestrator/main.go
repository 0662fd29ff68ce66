// Command codi-orchestrator runs the multi-agent orchestrator daemon, or
// (when re-exec'd with --child-mode/--reader-mode) acts as a spawned
// child's runtime.
package main

func main() {
	Execute()
}
