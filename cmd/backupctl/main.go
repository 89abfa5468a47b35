// Command backupctl is the operator tool for the per-user replication
// backup store: it exposes only the surfaces the engine's own testable
// properties need (reindex, info, validate), not a restore suite.
package main

func main() {
	Execute()
}
