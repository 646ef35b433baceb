package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantrelay/internal/config"
	"quantrelay/internal/crypto"
	"quantrelay/internal/domain"
	"quantrelay/internal/ids"
	"quantrelay/internal/store"
)

func TestKeygenThenIdentityAdd(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "keys", "alice.key")
	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(dir, "relay.db")
	require.NoError(t, runKeygen(cfg, crypto.KEMXWing, keyFile))

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	kp, err := readKeyPair(keyFile)
	require.NoError(t, err)
	assert.Equal(t, crypto.KEMXWing, kp.KEM)
	assert.NotEmpty(t, kp.PrivateKey)

	ctx := context.Background()
	require.NoError(t, runIdentityAdd(ctx, cfg, "alice", keyFile))

	st, err := store.Open(cfg.Storage.Path)
	require.NoError(t, err)
	defer st.Close()
	id, err := st.Identity(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, id.PublicKey)
}

func TestKeygenDefaultsToConfiguredKEM(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "bob.key")
	cfg := config.DefaultConfig()
	cfg.Crypto.KEMAlgorithm = crypto.KEMKyber1024
	require.NoError(t, runKeygen(cfg, "", keyFile))

	kp, err := readKeyPair(keyFile)
	require.NoError(t, err)
	assert.Equal(t, crypto.KEMKyber1024, kp.KEM)
}

func TestReadKeyPairRejectsUnknownKEM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.key")
	require.NoError(t, os.WriteFile(path, []byte(`{"kem":"RSA","public_key":"AAAA"}`), 0o600))
	_, err := readKeyPair(path)
	assert.ErrorIs(t, err, crypto.ErrUnknownAlgorithm)

	_, err = readKeyPair(filepath.Join(t.TempDir(), "missing.key"))
	assert.Error(t, err)
}

func TestChannelAdd(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "relay.db")
	ctx := context.Background()

	require.NoError(t, runChannelAdd(ctx, cfg, "", domain.ChannelDirect, []string{"bob", "alice"}))
	require.NoError(t, runChannelAdd(ctx, cfg, "team", domain.ChannelGroup, []string{"alice", "bob", "carol"}))

	assert.Error(t, runChannelAdd(ctx, cfg, "", domain.ChannelGroup, []string{"alice", "bob"}))
	assert.Error(t, runChannelAdd(ctx, cfg, "solo", domain.ChannelDirect, []string{"alice"}))

	st, err := store.Open(cfg.Storage.Path)
	require.NoError(t, err)
	defer st.Close()
	channels, err := st.ListChannels(ctx)
	require.NoError(t, err)

	got := map[string]domain.Channel{}
	for _, ch := range channels {
		got[ch.ID] = ch
	}
	require.Len(t, got, 2)
	assert.Contains(t, got, ids.DirectChannelID("alice", "bob"))
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, got["team"].Members)
}
