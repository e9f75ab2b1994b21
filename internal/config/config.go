// Package config loads the transport's runtime tunables (ring length,
// buffer size, timeouts, handler table size) from an optional TOML
// file, overlaying them onto the compiled-in defaults.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/veos-sxarr-NEC/ve-urpc/internal/urpcwire"
)

// Tunables mirrors the transport's compiled-in constants.
// AllocTimeoutMS and PutTimeoutMS are applied by urpc.Open, and MaxPeers
// by the supervisor. LenMB, DataBuffLen and MaxHandlers are loaded but not
// applied: rings, arenas and handler tables are always sized by the
// urpcwire constants.
type Tunables struct {
	LenMB          int   `toml:"len_mb"`
	DataBuffLen    int   `toml:"data_buff_len"`
	MaxHandlers    int   `toml:"max_handlers"`
	MaxPeers       int   `toml:"max_peers"`
	AllocTimeoutMS int64 `toml:"alloc_timeout_ms"`
	PutTimeoutMS   int64 `toml:"put_timeout_ms"`
}

// Default returns the compiled-in constants: a 64-slot mailbox ring, a
// 64KiB data buffer, and the stock spin bounds.
func Default() Tunables {
	return Tunables{
		LenMB:          urpcwire.LenMB,
		DataBuffLen:    urpcwire.DataBuffLen,
		MaxHandlers:    urpcwire.MaxHandlers,
		MaxPeers:       urpcwire.MaxPeers,
		AllocTimeoutMS: urpcwire.AllocTimeout.Milliseconds(),
		PutTimeoutMS:   urpcwire.PutCmdTimeout.Milliseconds(),
	}
}

// AllocTimeout returns the configured allocation spin bound as a
// time.Duration.
func (t Tunables) AllocTimeout() time.Duration {
	return time.Duration(t.AllocTimeoutMS) * time.Millisecond
}

// PutTimeout returns the configured put_cmd spin bound as a
// time.Duration.
func (t Tunables) PutTimeout() time.Duration {
	return time.Duration(t.PutTimeoutMS) * time.Millisecond
}

// Load reads path as TOML and overlays every key present in the file
// (even one set to zero) onto Default(); fields the file does not mention
// keep their default. A missing file is not an error: callers get the
// compiled-in defaults.
func Load(path string) (Tunables, error) {
	t := Default()
	if path == "" {
		return t, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return t, nil
	}
	var overlay Tunables
	meta, err := toml.DecodeFile(path, &overlay)
	if err != nil {
		return t, errors.Wrapf(err, "config: decode %s", path)
	}
	for _, key := range meta.Keys() {
		switch key.String() {
		case "len_mb":
			t.LenMB = overlay.LenMB
		case "data_buff_len":
			t.DataBuffLen = overlay.DataBuffLen
		case "max_handlers":
			t.MaxHandlers = overlay.MaxHandlers
		case "max_peers":
			t.MaxPeers = overlay.MaxPeers
		case "alloc_timeout_ms":
			t.AllocTimeoutMS = overlay.AllocTimeoutMS
		case "put_timeout_ms":
			t.PutTimeoutMS = overlay.PutTimeoutMS
		}
	}
	return t, nil
}
