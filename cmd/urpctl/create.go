package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/veos-sxarr-NEC/ve-urpc/internal/config"
	"github.com/veos-sxarr-NEC/ve-urpc/supervisor"
)

// createCmd implements "urpctl create": allocate a fresh shared-memory
// segment and print its key so a later "urpctl spawn"/"urpctl destroy"
// invocation can address it.
type createCmd struct{}

func (*createCmd) Name() string     { return "create" }
func (*createCmd) Synopsis() string { return "allocate a urpc peer segment" }
func (*createCmd) Usage() string {
	return "create: allocate a urpc peer segment and print its key\n"
}
func (*createCmd) SetFlags(f *flag.FlagSet) {}

func (*createCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	tun := args[0].(config.Tunables)

	sup := supervisor.New(tun)
	peer, err := sup.PeerCreate()
	if err != nil {
		return fail("urpctl create", err)
	}
	fmt.Println(peer.Key())
	return subcommands.ExitSuccess
}
