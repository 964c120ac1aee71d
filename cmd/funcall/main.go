// Command funcall is the CLI client for a funcalld server: register and
// manage tool functions, inspect model-facing schemas, and run tool calls
// from the shell.
package main

func main() {
	Execute()
}
