// Command debug-capacity probes how many bytes of payload a urpc send
// arena can actually hold before allocation starts timing out,
// exercising the same Peer machinery the transport uses internally.
package main

import (
	"fmt"
	"os"

	urpc "github.com/veos-sxarr-NEC/ve-urpc"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/codec"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/config"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/dma"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/urpcwire"
)

const probeCmd = 1

func main() {
	body := make([]byte, urpcwire.SegmentSize)
	if err := urpc.InitSegment(body); err != nil {
		fmt.Fprintln(os.Stderr, "init segment:", err)
		os.Exit(1)
	}

	tun := config.Default()
	host, err := urpc.Open(body, false, false, dma.Loopback{}, tun)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open peer:", err)
		os.Exit(1)
	}
	remote, err := urpc.Open(body, true, false, dma.Loopback{}, tun)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open peer:", err)
		os.Exit(1)
	}

	fmt.Printf("Configured arena capacity: %d bytes\n", urpcwire.DataBuffLen)

	sizes := []int{10, 20, 30, 40, 50, 100, 200, 500, 1000, 5000, 10000, 32768, 65000}
	for _, size := range sizes {
		data := make([]byte, size)
		if _, err := host.Send(uint16(probeCmd), codec.Bytes(data)); err != nil {
			fmt.Printf("Size %d bytes: FAIL (%v)\n", size, err)
			break
		}
		fmt.Printf("Size %d bytes: OK\n", size)
		remote.RecvProgress(1) // drain so the arena can reclaim the space
	}
}
