package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/subcommands"

	"github.com/veos-sxarr-NEC/ve-urpc/internal/config"
	"github.com/veos-sxarr-NEC/ve-urpc/supervisor"
)

// spawnCmd implements "urpctl spawn": fork the accelerator binary
// against an already-created segment.
type spawnCmd struct {
	key    string
	binary string
	node   int
	core   int
}

func (*spawnCmd) Name() string     { return "spawn" }
func (*spawnCmd) Synopsis() string { return "fork the accelerator binary for an existing peer" }
func (*spawnCmd) Usage() string {
	return "spawn -key=<key> -binary=<path> [-node=N] [-core=N]: fork the accelerator process\n"
}

func (c *spawnCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.key, "key", "", "peer segment key returned by \"urpctl create\"")
	f.StringVar(&c.binary, "binary", "", "path to the accelerator-side binary")
	f.IntVar(&c.node, "node", 0, "accelerator node number (VE_NODE_NUMBER)")
	f.IntVar(&c.core, "core", -1, "accelerator core number (URPC_VE_CORE); -1 leaves it unset")
}

func (c *spawnCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if c.key == "" || c.binary == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	tun := args[0].(config.Tunables)

	sup := supervisor.New(tun)
	peer, err := sup.PeerAttach(c.key)
	if err != nil {
		return fail("urpctl spawn", err)
	}
	if err := sup.ChildCreate(peer, c.binary, c.node, c.core); err != nil {
		return fail("urpctl spawn", err)
	}
	if err := writePIDFile(c.key, peer.ChildPID); err != nil {
		fmt.Println("urpctl spawn: warning:", err)
	}
	fmt.Println(peer.ChildPID)
	return subcommands.ExitSuccess
}

func pidFilePath(key string) string {
	return filepath.Join(os.TempDir(), "urpc_"+key+".pid")
}

func writePIDFile(key string, pid int) error {
	return os.WriteFile(pidFilePath(key), []byte(strconv.Itoa(pid)), 0600)
}

func readPIDFile(key string) (int, error) {
	data, err := os.ReadFile(pidFilePath(key))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(data))
}
