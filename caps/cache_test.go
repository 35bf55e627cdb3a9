package caps

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"
)

func TestCache(t *testing.T) {
	var parsed atomic.Int32
	c := NewCache()
	c.parse = func(s string) (Caps, error) {
		parsed.Add(1)
		// hold the parse so concurrent misses pile up
		time.Sleep(10 * time.Millisecond)
		return Parse(s)
	}

	const raw = "video/x-raw,format=RGB,width=4,height=4"
	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			cp, err := c.Get(raw)
			if err != nil {
				return err
			}
			if cp.Width != 4 {
				return errors.New("unexpected width")
			}
			return nil
		})
	}
	assert.Nil(t, g.Wait())
	assert.Equal(t, int32(1), parsed.Load())
	assert.Equal(t, 1, c.Len())

	_, misses := c.Stats()
	assert.Equal(t, uint64(1), misses)

	_, err := c.Get(raw)
	assert.Nil(t, err)
	hits, _ := c.Stats()
	assert.NotZero(t, hits)
	assert.Equal(t, int32(1), parsed.Load())
}

func TestCacheErrors(t *testing.T) {
	c := NewCache()
	_, err := c.Get("video/x-raw,format=NOPE")
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
	_, err = c.Get("video/x-raw,format=NOPE")
	assert.NotNil(t, err)
	assert.Equal(t, 0, c.Len())
	hits, misses := c.Stats()
	assert.Equal(t, uint64(0), hits)
	assert.Equal(t, uint64(2), misses)
}

func TestCacheEntries(t *testing.T) {
	c := NewCache()
	a, err := c.Get("audio/x-raw,format=S16LE,rate=8000,channels=1")
	assert.Nil(t, err)
	b, err := c.Get("audio/x-raw,format=S16LE,rate=16000,channels=1")
	assert.Nil(t, err)
	assert.Equal(t, 8000, a.Rate)
	assert.Equal(t, 16000, b.Rate)
	assert.Equal(t, 2, c.Len())
}
