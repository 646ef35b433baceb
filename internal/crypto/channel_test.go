package crypto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelIDIgnoresOrderAndDuplicates(t *testing.T) {
	a, err := ChannelID([][]byte{[]byte("pubA"), []byte("pubB")})
	require.NoError(t, err)
	b, err := ChannelID([][]byte{[]byte("pubB"), []byte("pubA"), []byte("pubB")})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	c, err := ChannelID([][]byte{[]byte("pubA"), []byte("pubC")})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, err = ChannelID(nil)
	assert.ErrorIs(t, err, ErrNoParticipants)
}

func TestGenerateChannelSecretIsCached(t *testing.T) {
	s := newService(t, KEMMLKEM768)
	alice, err := s.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := s.GenerateKeyPair()
	require.NoError(t, err)

	first, err := s.GenerateChannelSecret([][]byte{alice.PublicKey, bob.PublicKey})
	require.NoError(t, err)
	second, err := s.GenerateChannelSecret([][]byte{bob.PublicKey, alice.PublicKey})
	require.NoError(t, err)

	assert.Equal(t, first.ChannelID, second.ChannelID)
	assert.Equal(t, first.Secret, second.Secret)
	assert.Len(t, first.Secret, SharedSecretSize)
	assert.Len(t, first.Shares, 2)
}

func TestChannelSharesOpenPerMember(t *testing.T) {
	owner := newService(t, KEMMLKEM768)
	alice, err := owner.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := owner.GenerateKeyPair()
	require.NoError(t, err)

	cs, err := owner.GenerateChannelSecret([][]byte{alice.PublicKey, bob.PublicKey})
	require.NoError(t, err)

	share, ok := cs.ShareFor(bob.PublicKey)
	require.True(t, ok)

	bobSide := newService(t, KEMMLKEM768)
	channelID, err := bobSide.OpenChannelShare(share.Envelope, bob.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, cs.ChannelID, channelID)

	// alice's key cannot open bob's share
	aliceSide := newService(t, KEMMLKEM768)
	_, err = aliceSide.OpenChannelShare(share.Envelope, alice.PrivateKey)
	assert.ErrorIs(t, err, ErrCryptographicFailure)

	env, err := owner.EncryptChannelMessage(cs.ChannelID, "group hello")
	require.NoError(t, err)
	assert.Equal(t, ChannelAlgorithmID, env.AlgorithmID)
	assert.Empty(t, env.EncapsulatedKey)
	assert.Len(t, env.Ciphertext, len("group hello")+Overhead)

	got, err := bobSide.DecryptChannelMessage(env)
	require.NoError(t, err)
	assert.Equal(t, "group hello", got)
}

func TestChannelMessageTamperAndUnknownChannel(t *testing.T) {
	s := newService(t, KEMMLKEM768)
	kp, err := s.GenerateKeyPair()
	require.NoError(t, err)
	cs, err := s.GenerateChannelSecret([][]byte{kp.PublicKey})
	require.NoError(t, err)

	env, err := s.EncryptChannelMessage(cs.ChannelID, "payload")
	require.NoError(t, err)
	env.Ciphertext[NonceSize] ^= 0xff
	_, err = s.DecryptChannelMessage(env)
	assert.ErrorIs(t, err, ErrCryptographicFailure)

	s.Forget(cs.ChannelID)
	_, err = s.EncryptChannelMessage(cs.ChannelID, "payload")
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestChannelCacheEvictsLeastRecentlyUsed(t *testing.T) {
	s, err := NewHybridService(KEMMLKEM768, WithChannelCacheSize(2))
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		kp, err := s.GenerateKeyPair()
		require.NoError(t, err)
		cs, err := s.GenerateChannelSecret([][]byte{kp.PublicKey})
		require.NoError(t, err)
		ids = append(ids, cs.ChannelID)
	}

	_, ok := s.ChannelSecretFor(ids[0])
	assert.False(t, ok, "oldest channel should be evicted")
	_, ok = s.ChannelSecretFor(ids[2])
	assert.True(t, ok)
}

func TestReturnedSecretSurvivesEviction(t *testing.T) {
	s, err := NewHybridService(KEMMLKEM768, WithChannelCacheSize(1))
	require.NoError(t, err)
	a, err := s.GenerateKeyPair()
	require.NoError(t, err)
	b, err := s.GenerateKeyPair()
	require.NoError(t, err)

	cs, err := s.GenerateChannelSecret([][]byte{a.PublicKey})
	require.NoError(t, err)
	kept := append([]byte(nil), cs.Secret...)

	_, err = s.GenerateChannelSecret([][]byte{b.PublicKey})
	require.NoError(t, err)
	assert.Equal(t, kept, cs.Secret)
}

func TestChannelSecretForMixedKEMs(t *testing.T) {
	owner := newService(t, KEMMLKEM768)
	mlkem, err := owner.GenerateKeyPair()
	require.NoError(t, err)
	xk, err := KEMByID(KEMXWing)
	require.NoError(t, err)
	xwing, err := xk.GenerateKeyPair()
	require.NoError(t, err)

	cs, err := owner.GenerateChannelSecretFor([]MemberKey{
		{KEM: KEMMLKEM768, PublicKey: mlkem.PublicKey},
		{KEM: KEMXWing, PublicKey: xwing.PublicKey},
	})
	require.NoError(t, err)

	share, ok := cs.ShareFor(xwing.PublicKey)
	require.True(t, ok)
	assert.Equal(t, AlgorithmID(KEMXWing), share.Envelope.AlgorithmID)

	member := newService(t, KEMXWing)
	channelID, err := member.OpenChannelShare(share.Envelope, xwing.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, cs.ChannelID, channelID)

	env, err := owner.EncryptChannelMessage(cs.ChannelID, "mixed")
	require.NoError(t, err)
	text, err := member.DecryptChannelMessage(env)
	require.NoError(t, err)
	assert.Equal(t, "mixed", text)

	_, err = owner.GenerateChannelSecretFor([]MemberKey{{KEM: "RSA", PublicKey: []byte("pub")}})
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}

// run with -race: eviction wipes cached secrets while readers copy them
func TestConcurrentEvictionNeverSealsUnderWipedSecret(t *testing.T) {
	s, err := NewHybridService(KEMMLKEM768, WithChannelCacheSize(1))
	require.NoError(t, err)
	a, err := s.GenerateKeyPair()
	require.NoError(t, err)
	b, err := s.GenerateKeyPair()
	require.NoError(t, err)

	cs, err := s.GenerateChannelSecret([][]byte{a.PublicKey})
	require.NoError(t, err)
	share, ok := cs.ShareFor(a.PublicKey)
	require.True(t, ok)

	receiver := newService(t, KEMMLKEM768)
	_, err = receiver.OpenChannelShare(share.Envelope, a.PrivateKey)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			if _, err := s.GenerateChannelSecret([][]byte{b.PublicKey}); err != nil {
				t.Error(err)
				return
			}
			// puts the same secret back under the same id
			if _, err := s.OpenChannelShare(share.Envelope, a.PrivateKey); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		env, err := s.EncryptChannelMessage(cs.ChannelID, "payload")
		if errors.Is(err, ErrUnknownChannel) {
			continue
		}
		require.NoError(t, err)
		text, err := receiver.DecryptChannelMessage(env)
		require.NoError(t, err, "sealed under a wiped secret")
		assert.Equal(t, "payload", text)
	}
}
