// Package supervisor is the host-side lifecycle manager: it allocates a
// shared segment for each peer, forks the accelerator-side child process
// that attaches to it, and tears both down.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	urpc "github.com/veos-sxarr-NEC/ve-urpc"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/config"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/dma"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/shmseg"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/urpcerr"
	"github.com/veos-sxarr-NEC/ve-urpc/internal/urpcwire"
)

// Peer bundles one supervised peer: its transport, backing segment, and
// (once ChildCreate has run) the accelerator process attached to it.
type Peer struct {
	*urpc.Peer
	seg       *shmseg.Segment
	key       string
	destroyed bool
}

// Key returns the segment key handed to the child process as
// URPC_SHM_SEGID.
func (p *Peer) Key() string { return p.key }

// Supervisor tracks every peer it has created and enforces the
// MaxPeers-per-process ceiling at this registry, the one place that
// knows how many peers are live.
type Supervisor struct {
	mu       sync.Mutex
	peers    map[string]*Peer
	numPeers int
	tun      config.Tunables
}

// New returns a Supervisor that provisions peers using tun's tunables.
func New(tun config.Tunables) *Supervisor {
	return &Supervisor{peers: make(map[string]*Peer), tun: tun}
}

// PeerCreate allocates a fresh segment sized 2*BuffLen, zeroes both
// queues, and opens a host-side Peer bound to it. The segment key is
// pid*MaxPeers+index so concurrent supervising processes on one machine
// cannot collide.
func (s *Supervisor) PeerCreate() (*Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.numPeers >= s.tun.MaxPeers {
		return nil, errors.Wrapf(urpcerr.ErrResourceExhausted, "supervisor: max %d peers reached", s.tun.MaxPeers)
	}
	key := fmt.Sprintf("%d", os.Getpid()*s.tun.MaxPeers+s.numPeers)

	seg, err := shmseg.Create(key, urpcwire.SegmentSize)
	if err != nil {
		return nil, errors.Wrap(err, "supervisor: peer_create")
	}
	if err := urpc.InitSegment(seg.Body()); err != nil {
		seg.Detach()
		seg.MarkForRemoval()
		return nil, errors.Wrap(err, "supervisor: peer_create: init segment")
	}
	base, err := urpc.Open(seg.Body(), false, false, dma.Loopback{}, s.tun)
	if err != nil {
		seg.Detach()
		seg.MarkForRemoval()
		return nil, errors.Wrap(err, "supervisor: peer_create: open")
	}

	p := &Peer{Peer: base, seg: seg, key: key}
	s.peers[key] = p
	s.numPeers++
	logrus.WithField("key", key).Info("supervisor: peer created")
	return p, nil
}

// PeerAttach reattaches to a segment previously allocated by PeerCreate
// in another process, identified by key. The CLI's "spawn" and
// "destroy" subcommands run as separate invocations from "create" and
// must rediscover the segment this way.
func (s *Supervisor) PeerAttach(key string) (*Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.peers[key]; ok {
		return p, nil
	}
	seg, err := shmseg.Attach(key, urpcwire.SegmentSize)
	if err != nil {
		return nil, errors.Wrap(err, "supervisor: peer_attach")
	}
	base, err := urpc.Open(seg.Body(), false, false, dma.Loopback{}, s.tun)
	if err != nil {
		seg.Detach()
		return nil, errors.Wrap(err, "supervisor: peer_attach: open")
	}
	p := &Peer{Peer: base, seg: seg, key: key}
	s.peers[key] = p
	return p, nil
}

// ChildCreate forks binary as the accelerator-side process for p,
// exporting URPC_SHM_SEGID, VE_NODE_NUMBER and (when core >= 0)
// URPC_VE_CORE. An URPC_VE_BIN environment variable on the supervisor's
// own process overrides binary.
func (s *Supervisor) ChildCreate(p *Peer, binary string, node, core int) error {
	if _, err := os.Stat(binary); err != nil {
		return errors.Wrapf(err, "supervisor: child_create: stat %s", binary)
	}
	if override := os.Getenv("URPC_VE_BIN"); override != "" {
		binary = override
	}

	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		"URPC_SHM_SEGID="+p.key,
		"VE_NODE_NUMBER="+strconv.Itoa(node),
	)
	if core >= 0 {
		cmd.Env = append(cmd.Env, "URPC_VE_CORE="+strconv.Itoa(core))
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "supervisor: child_create: exec %s", binary)
	}
	p.ChildPID = cmd.Process.Pid
	logrus.WithFields(logrus.Fields{"key": p.key, "pid": p.ChildPID, "binary": binary}).Info("supervisor: child started")
	return nil
}

// ChildDestroy sends SIGKILL to p's child process and clears the
// recorded pid. It is an error to call this on a peer with no live
// child.
func (s *Supervisor) ChildDestroy(p *Peer) error {
	if p.ChildPID <= 0 {
		return errors.Wrap(urpcerr.ErrLifecycle, "supervisor: child_destroy: no child")
	}
	err := syscall.Kill(p.ChildPID, syscall.SIGKILL)
	p.ChildPID = -1
	if err != nil {
		return errors.Wrap(err, "supervisor: child_destroy: kill")
	}
	return nil
}

// WaitPeerAttach blocks until the accelerator side has attached to p's
// segment or timeout elapses. Once both sides are attached it marks the
// segment for removal, so the OS reclaims it as soon as both detach,
// including when either process dies without an explicit destroy.
func (s *Supervisor) WaitPeerAttach(p *Peer, timeout time.Duration) error {
	if err := p.seg.WaitTwoAttached(timeout); err != nil {
		return err
	}
	if err := p.seg.MarkForRemoval(); err != nil {
		logrus.WithError(err).WithField("key", p.key).Warn("supervisor: wait_peer_attach: mark for removal failed")
	}
	return nil
}

// PeerDestroy detaches and removes p's segment and drops it from the
// supervisor's table. It does not kill any still-running child; call
// ChildDestroy first if one exists.
func (s *Supervisor) PeerDestroy(p *Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.destroyed {
		return nil
	}
	if err := p.seg.Detach(); err != nil {
		return errors.Wrap(err, "supervisor: peer_destroy: detach")
	}
	if err := p.seg.MarkForRemoval(); err != nil {
		logrus.WithError(err).WithField("key", p.key).Warn("supervisor: peer_destroy: mark for removal failed")
	}
	p.destroyed = true
	delete(s.peers, p.key)
	s.numPeers--
	logrus.WithField("key", p.key).Info("supervisor: peer destroyed")
	return nil
}

// NumPeers reports how many peers are currently live.
func (s *Supervisor) NumPeers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numPeers
}
