package main

import (
	"github.com/HASMAC-AS/daylist/internal/logging"
)

func main() {
	// Initialize logging
	logging.Init()
	Execute()
}
