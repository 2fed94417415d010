package util

import (
	"fmt"

	"github.com/common-nighthawk/go-figure"
)

const (
	ColorReset = "\x1b[0m"
	ColorCyan  = "\x1b[1;36m"
)

// PrintBanner prints an ASCII startup banner in cyan.
func PrintBanner(text string) {
	fig := figure.NewFigure(text, "", true)
	for _, line := range fig.Slicify() {
		fmt.Println(ColorCyan + line + ColorReset)
	}
}
