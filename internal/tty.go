package internal

import (
	"os"

	"golang.org/x/term"
)

// IsInteractive reports whether both stdin and stdout are attached to a terminal.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// showDecorations is true when spinners and progress bars should be drawn.
func showDecorations() bool {
	return !VerboseMode && term.IsTerminal(int(os.Stdout.Fd()))
}
