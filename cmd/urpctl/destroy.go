package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/google/subcommands"

	"github.com/veos-sxarr-NEC/ve-urpc/internal/config"
	"github.com/veos-sxarr-NEC/ve-urpc/supervisor"
)

// destroyCmd implements "urpctl destroy": kill the accelerator process
// (if one was spawned) and release the segment.
type destroyCmd struct {
	key string
}

func (*destroyCmd) Name() string     { return "destroy" }
func (*destroyCmd) Synopsis() string { return "kill the accelerator process and release the peer" }
func (*destroyCmd) Usage() string {
	return "destroy -key=<key>: kill the accelerator process and release the segment\n"
}

func (c *destroyCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.key, "key", "", "peer segment key returned by \"urpctl create\"")
}

func (c *destroyCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if c.key == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	tun := args[0].(config.Tunables)

	if pid, err := readPIDFile(c.key); err == nil {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
			fmt.Println("urpctl destroy: warning: kill:", err)
		}
		os.Remove(pidFilePath(c.key))
	}

	sup := supervisor.New(tun)
	peer, err := sup.PeerAttach(c.key)
	if err != nil {
		return fail("urpctl destroy", err)
	}
	if err := sup.PeerDestroy(peer); err != nil {
		return fail("urpctl destroy", err)
	}
	return subcommands.ExitSuccess
}
