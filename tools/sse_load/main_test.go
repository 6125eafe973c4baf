package main

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFrames(t *testing.T) {
	body := ": ping\n\n" +
		"id: 3\nevent: ledger\ndata: {\"seq\":3,\"id\":\"a\"}\n\n" +
		": ping\n\n" +
		"id: 7\nevent: ledger\ndata: {\"seq\":7,\"id\":\"b\"}\n\n"

	var ids []string
	err := readFrames(strings.NewReader(body), func(id string, data []byte) {
		ids = append(ids, id)
	})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, []string{"3", "7"}, ids)
}

func TestWatcher(t *testing.T) {
	frame := func(seq string) (string, []byte) {
		return seq, []byte(`{"seq":` + seq + `,"id":"x"}`)
	}

	t.Run("complete stream", func(t *testing.T) {
		w := &watcher{seen: map[uint64]struct{}{}}
		for _, seq := range []string{"1", "4", "9"} {
			w.accept(frame(seq))
		}
		assert.Empty(t, w.missing([]uint64{1, 4, 9, 12}))
		assert.Zero(t, w.outOfOrder)
		assert.Zero(t, w.mismatched)
	})

	t.Run("skipped entry below the high-water mark", func(t *testing.T) {
		w := &watcher{seen: map[uint64]struct{}{}}
		w.accept(frame("2"))
		w.accept(frame("1"))
		require.Equal(t, uint64(2), w.last)
		assert.Equal(t, 1, w.outOfOrder)
		assert.Equal(t, []uint64{1}, w.missing([]uint64{1, 2}))
	})

	t.Run("frame id disagrees with entry", func(t *testing.T) {
		w := &watcher{seen: map[uint64]struct{}{}}
		w.accept("5", []byte(`{"seq":6,"id":"x"}`))
		w.accept("7", []byte(`not json`))
		assert.Equal(t, 2, w.mismatched)
	})
}
