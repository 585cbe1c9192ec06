package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

var (
	okMark   = color.New(color.FgGreen).SprintFunc()
	warnMark = color.New(color.FgYellow).SprintFunc()
	errMark  = color.New(color.FgRed, color.Bold).SprintFunc()
	faint    = color.New(color.Faint).SprintFunc()
)

func printOK(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", okMark("✓"), fmt.Sprintf(format, args...))
}

func printWarn(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", warnMark("!"), fmt.Sprintf(format, args...))
}

func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s %v\n", errMark("✗"), err)
}

func printField(w io.Writer, name string, value any) {
	fmt.Fprintf(w, "  %s %v\n", faint(name+":"), value)
}
