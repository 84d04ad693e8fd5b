package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/osgrep/osgrep-core/internal/workerpool/worker"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("osgrep-worker\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Build Time: %s\n", buildTime)
		os.Exit(0)
	}

	index := flag.Int("index", -1, "pool slot this worker was spawned for")
	flag.Parse()

	log.SetOutput(os.Stderr)
	log.Printf("osgrep-worker (slot %d) starting, pid=%d", *index, os.Getpid())

	if err := worker.Run(os.Stdin, os.Stdout); err != nil {
		log.Printf("osgrep-worker (slot %d) exiting: %v", *index, err)
		os.Exit(1)
	}
}
