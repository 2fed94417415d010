package main

import (
	"github.com/Thulrus/ParallaxIndex/cmd/parallax"
)

func main() {
	parallax.Execute()
}
