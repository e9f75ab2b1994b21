// Command urpctl is the host-side CLI for standing up and tearing down
// urpc peers: create a segment, spawn the accelerator binary against it,
// and destroy both.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/google/subcommands"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/veos-sxarr-NEC/ve-urpc/internal/config"
)

// fail prints err and converts it to the utility exit convention: a
// syscall-originated failure exits the process with -errno; anything
// else returns the generic failure status.
func fail(prefix string, err error) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, prefix+":", err)
	var errno syscall.Errno
	if errors.As(err, &errno) {
		os.Exit(-int(errno))
	}
	return subcommands.ExitFailure
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&createCmd{}, "")
	subcommands.Register(&spawnCmd{}, "")
	subcommands.Register(&destroyCmd{}, "")

	var configPath string
	var verbose bool
	flag.StringVar(&configPath, "config", "", "path to a urpctl TOML tunables file")
	flag.BoolVar(&verbose, "v", false, "enable debug logging")
	flag.Parse()
	if configPath == "" {
		configPath = os.Getenv("URPC_CONFIG")
	}

	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	tun, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "urpctl:", err)
		os.Exit(1)
	}

	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx, tun)))
}
