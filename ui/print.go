package ui

import (
	"fmt"
	"io"
	"os"
)

// Out is where the helpers print; stdout unless replaced.
var Out io.Writer = os.Stdout

func Debugf(enabled bool, format string, a ...any) {
	if enabled {
		fmt.Fprint(Out, "\033[33m")
		fmt.Fprintf(Out, "[DEBUG] "+format, a...)
		fmt.Fprint(Out, "\033[0m")
	}
}

func Greenf(format string, a ...any) {
	fmt.Fprint(Out, "\033[92m")
	fmt.Fprintf(Out, format, a...)
	fmt.Fprint(Out, "\033[0m")
}

func Warningf(format string, a ...any) {
	fmt.Fprint(Out, "\033[93m")
	fmt.Fprintf(Out, format, a...)
	fmt.Fprint(Out, "\033[0m")
}

func ClearScreen() {
	fmt.Fprint(Out, "\033[2J\033[1;1H")
}
