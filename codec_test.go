package taonet

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameCodecRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 255, 4096, 70000} {
		c := NewFrameCodec()
		msg := bytes.Repeat([]byte{0xab}, size)

		pkt, err := c.Pack(msg)
		require.NoError(t, err)
		assert.Len(t, pkt, size+4)
		assert.Equal(t, uint32(size), binary.BigEndian.Uint32(pkt))

		msgs, err := c.Filter(pkt)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, msg, msgs[0])

		popped, ok := c.Pop()
		require.True(t, ok)
		assert.Equal(t, msg, popped)
		_, ok = c.Pop()
		assert.False(t, ok)
		assert.Equal(t, 0, c.Buffered())
	}
}

func TestFrameCodecChunkBoundaries(t *testing.T) {
	msg := []byte("the quick brown fox jumps over the lazy dog")
	pkt, err := NewFrameCodec().Pack(msg)
	require.NoError(t, err)

	rnd := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		c := NewFrameCodec()
		var got [][]byte
		for rest := pkt; len(rest) > 0; {
			n := 1 + rnd.Intn(len(rest))
			msgs, err := c.Filter(rest[:n])
			require.NoError(t, err)
			got = append(got, msgs...)
			rest = rest[n:]
		}
		require.Len(t, got, 1)
		assert.Equal(t, msg, got[0])
	}
}

func TestFrameCodecSingleBytes(t *testing.T) {
	c := NewFrameCodec(HeaderSize(2))
	var stream []byte
	want := [][]byte{[]byte("a"), {}, []byte("hello"), bytes.Repeat([]byte("x"), 300)}
	for _, m := range want {
		pkt, err := c.Pack(m)
		require.NoError(t, err)
		stream = append(stream, pkt...)
	}

	var got [][]byte
	for i := range stream {
		msgs, err := c.Filter(stream[i : i+1])
		require.NoError(t, err)
		got = append(got, msgs...)
	}
	assert.Equal(t, want, got)

	for _, m := range want {
		popped, ok := c.Pop()
		require.True(t, ok)
		assert.Equal(t, m, popped)
	}
}

func TestFrameCodecManyInOneChunk(t *testing.T) {
	c := NewFrameCodec(ByteOrder(binary.LittleEndian))
	var stream []byte
	for i := 0; i < 10; i++ {
		pkt, err := c.Pack([]byte{byte(i)})
		require.NoError(t, err)
		stream = append(stream, pkt...)
	}
	// half of the next header
	stream = append(stream, 1, 0)

	msgs, err := c.Filter(stream)
	require.NoError(t, err)
	require.Len(t, msgs, 10)
	for i, m := range msgs {
		assert.Equal(t, []byte{byte(i)}, m)
	}
	assert.Equal(t, 2, c.Buffered())

	msgs, err = c.Filter([]byte{0, 0, 'z'})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("z")}, msgs)
}

func TestFrameCodecPackOversize(t *testing.T) {
	c := NewFrameCodec(MaxPayload(16))
	_, err := c.Pack(make([]byte, 17))
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = c.Pack(make([]byte, 16))
	assert.NoError(t, err)

	_, err = NewFrameCodec(HeaderSize(2)).Pack(make([]byte, 1<<16))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestFrameCodecFilterOversize(t *testing.T) {
	c := NewFrameCodec(MaxPayload(16))
	good, err := c.Pack([]byte("ok"))
	require.NoError(t, err)

	bad := make([]byte, 4)
	binary.BigEndian.PutUint32(bad, 17)

	msgs, err := c.Filter(append(good, bad...))
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, [][]byte{[]byte("ok")}, msgs)

	popped, ok := c.Pop()
	require.True(t, ok)
	assert.Equal(t, []byte("ok"), popped)
	_, ok = c.Pop()
	assert.False(t, ok)
	assert.Equal(t, 0, c.Buffered())
}

func TestFrameCodecClear(t *testing.T) {
	c := NewFrameCodec()
	pkt, err := c.Pack([]byte("one"))
	require.NoError(t, err)

	_, err = c.Filter(append(pkt, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Buffered())

	c.Clear()
	_, ok := c.Pop()
	assert.False(t, ok)
	assert.Equal(t, 0, c.Buffered())

	msgs, err := c.Filter(pkt)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestFrameCodecCopiesOut(t *testing.T) {
	c := NewFrameCodec()
	pkt, err := c.Pack([]byte("abc"))
	require.NoError(t, err)
	msgs, err := c.Filter(pkt)
	require.NoError(t, err)

	pkt[4] = 'z'
	_, err = c.Filter(pkt)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), msgs[0])
}

func BenchmarkFrameCodecFilter(b *testing.B) {
	c := NewFrameCodec()
	pkt, _ := c.Pack(make([]byte, 512))
	b.SetBytes(int64(len(pkt)))
	for i := 0; i < b.N; i++ {
		if _, err := c.Filter(pkt); err != nil {
			b.Fatal(err)
		}
		c.Pop()
	}
}
