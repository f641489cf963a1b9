package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/muhtutorials/abstracttun/device"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestGenkeyPubkey(t *testing.T) {
	priv, err := run(t, "", "genkey")
	require.NoError(t, err)
	var sk device.NoisePrivateKey
	require.NoError(t, sk.UnmarshalText([]byte(strings.TrimSpace(priv))))

	pub, err := run(t, priv, "pubkey")
	require.NoError(t, err)
	require.Equal(t, sk.PublicKey().String(), strings.TrimSpace(pub))

	_, err = run(t, "not a key", "pubkey")
	require.Error(t, err)
}

func TestUpBadConfig(t *testing.T) {
	_, err := run(t, "", "up", "-f", t.TempDir()+"/missing.toml")
	require.ErrorContains(t, err, "failed to load config file")
}
