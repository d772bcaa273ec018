package common

import "os"

const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[90m"
)

// NoColor disables Colorize; it starts set when NO_COLOR is in the environment.
var NoColor = os.Getenv("NO_COLOR") != ""

func Colorize(color, s string) string {
	if NoColor || s == "" {
		return s
	}
	return color + s + ColorReset
}
