package main

import (
	"fmt"
	"os"
)

// healerInvoke is the reserved CLI surface spec.md §6 names but leaves
// unimplemented ("healer invoke — reserved (not implemented)"). It parses
// its flags so scripts that already call it fail with a clear message
// rather than an unknown-arg error.
func healerInvoke(args []string) {
	var taskID, subtaskID, root string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--root":
			i++
			if i < len(args) {
				root = args[i]
			}
		case "--task-id":
			i++
			if i < len(args) {
				taskID = args[i]
			}
		case "--subtask-id":
			i++
			if i < len(args) {
				subtaskID = args[i]
			}
		}
	}
	_ = root
	_ = taskID
	_ = subtaskID
	fmt.Fprintln(os.Stderr, "taskloop healer invoke: not implemented")
	os.Exit(1)
}
