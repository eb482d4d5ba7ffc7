package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/kalambet/larder/internal/task"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, green("✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, red("✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, yellow("⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "  %s %s\n", bold(label+":"), val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, cyan("→ "+msg))
}

// statusLabel colors a task status by outcome.
func statusLabel(s task.Status) string {
	switch s {
	case task.StatusCommitted, task.StatusReviewReady:
		return green(string(s))
	case task.StatusFailed, task.StatusRejected, task.StatusExpired:
		return red(string(s))
	case task.StatusCancelled, task.StatusUnknown:
		return yellow(string(s))
	}
	return cyan(string(s))
}

func printState(st task.State) {
	printStatus("Task", "%s", st.TaskID)
	printStatus("Status", "%s", statusLabel(st.Status))
	printStatus("Progress", "%d%%", st.Progress)
	if st.Phase != "" {
		printStatus("Phase", "%s", st.Phase)
	}
	if st.Result != "" {
		printStatus("Recipe", "%s", st.Result)
	}
	if st.Error != "" {
		printStatus("Error", "%s (%s)", st.Error, st.ErrorCode)
	}
}
