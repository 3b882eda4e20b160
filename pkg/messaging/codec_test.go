package messaging

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anti_vpn/pkg/data"
)

func samplePackets(sender uuid.UUID) []Packet {
	player := uuid.New()
	return []Packet{
		&IPPacket{Header: Header{Sender: sender}, IP: "192.0.2.1", Algorithm: data.Cascade, Cascade: ptr(true)},
		&IPPacket{Header: Header{Sender: sender}, IP: "2001:db8::1", Algorithm: data.Consensus, Consensus: ptr(0.5)},
		&DeleteIPPacket{Header: Header{Sender: sender}, IP: "192.0.2.2"},
		&PlayerPacket{Header: Header{Sender: sender}, Player: player, Flagged: true},
		&DeletePlayerPacket{Header: Header{Sender: sender}, Player: player},
	}
}

func TestCodec(t *testing.T) {
	signer, err := NewSigner("shared-secret")
	require.NoError(t, err)

	codecs := map[string]*Codec{
		"Plain":  NewCodec(nil),
		"Signed": NewCodec(signer),
	}

	for name, codec := range codecs {
		t.Run(name, func(t *testing.T) {
			sender := uuid.New()
			packets := samplePackets(sender)
			batch := &MultiPacket{Header: Header{Sender: sender}, Packets: packets}

			for _, p := range append(packets, batch) {
				id := uuid.New()
				frame, err := codec.Encode(id, p)
				require.NoError(t, err)

				gotID, got, err := codec.Decode(frame)
				require.NoError(t, err)
				assert.Equal(t, id, gotID)
				assert.Equal(t, p, got)
				assert.Equal(t, sender, got.SenderID())
			}
		})
	}
}

func TestCodecRejectsBadFrames(t *testing.T) {
	signer, err := NewSigner("shared-secret")
	require.NoError(t, err)
	other, err := NewSigner("other-secret")
	require.NoError(t, err)

	p := &DeleteIPPacket{Header: Header{Sender: uuid.New()}, IP: "192.0.2.1"}

	t.Run("UnsignedFrame", func(t *testing.T) {
		frame, err := NewCodec(nil).Encode(uuid.New(), p)
		require.NoError(t, err)
		_, _, err = NewCodec(signer).Decode(frame)
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		frame, err := NewCodec(other).Encode(uuid.New(), p)
		require.NoError(t, err)
		_, _, err = NewCodec(signer).Decode(frame)
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("UnknownKind", func(t *testing.T) {
		frame, err := json.Marshal(envelope{ID: uuid.New(), Kind: "bogus", Packet: json.RawMessage(`{}`)})
		require.NoError(t, err)
		_, _, err = NewCodec(nil).Decode(frame)
		assert.ErrorIs(t, err, ErrUnknownKind)
	})

	t.Run("MissingID", func(t *testing.T) {
		frame, err := NewCodec(nil).Encode(uuid.Nil, p)
		require.NoError(t, err)
		_, _, err = NewCodec(nil).Decode(frame)
		assert.ErrorIs(t, err, ErrInvalidFrame)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, _, err := NewCodec(nil).Decode([]byte("not json"))
		assert.ErrorIs(t, err, ErrInvalidFrame)
	})

	_, err = NewSigner("")
	assert.Error(t, err)
}
