package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veos-sxarr-NEC/ve-urpc/internal/urpcwire"
)

func TestDefaultMatchesCompiledInConstants(t *testing.T) {
	d := Default()
	require.EqualValues(t, urpcwire.LenMB, d.LenMB)
	require.EqualValues(t, urpcwire.DataBuffLen, d.DataBuffLen)
	require.Equal(t, urpcwire.AllocTimeout, d.AllocTimeout())
	require.Equal(t, urpcwire.PutCmdTimeout, d.PutTimeout())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	tun, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	require.Equal(t, Default(), tun)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	tun, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), tun)
}

func TestLoadOverlaysOnlyProvidedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunables.toml")
	require.NoError(t, os.WriteFile(path, []byte("max_peers = 4\nput_timeout_ms = 250\n"), 0600))

	tun, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 4, tun.MaxPeers)
	require.EqualValues(t, 250, tun.PutTimeoutMS)
	require.EqualValues(t, urpcwire.LenMB, tun.LenMB, "fields absent from the file keep their default")
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("not valid = [toml"), 0600))

	_, err := Load(path)
	require.Error(t, err)
}
