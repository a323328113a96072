package roster

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	got    [][]byte
	fail   bool
	closed bool
}

func (c *fakeConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fail {
		return errors.New("broken pipe")
	}
	c.got = append(c.got, msg)

	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.got)
}

func TestBroadcastReachesEveryConnection(t *testing.T) {
	s := New(nil)
	a, b, other := &fakeConn{}, &fakeConn{}, &fakeConn{}
	s.Register("R", "a", a)
	s.Register("R", "b", b)
	s.Register("Q", "c", other)

	s.Broadcast("R", []byte("hi"))

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
	assert.Zero(t, other.count(), "rooms are isolated")
}

func TestSendFailureDropsConnectionOnce(t *testing.T) {
	var mu sync.Mutex
	var gone []string
	s := New(func(roomID, handle string) {
		mu.Lock()
		defer mu.Unlock()
		gone = append(gone, roomID+"/"+handle)
	})

	bad, good := &fakeConn{fail: true}, &fakeConn{}
	s.Register("R", "bad", bad)
	s.Register("R", "good", good)

	s.Broadcast("R", []byte("one"))
	s.Broadcast("R", []byte("two"))
	assert.False(t, s.SendTo("R", "bad", []byte("three")))

	assert.Equal(t, []string{"R/bad"}, gone)
	assert.True(t, bad.closed)
	assert.Equal(t, 2, good.count(), "delivery continues for the rest")
	assert.Equal(t, 1, s.Len("R"))
}

func TestSendToUnknownHandle(t *testing.T) {
	s := New(func(string, string) { t.Fatal("unknown handles are not failures") })

	assert.False(t, s.SendTo("R", "nobody", []byte("x")))
}

func TestRegisterReplacesHandle(t *testing.T) {
	s := New(nil)
	old, fresh := &fakeConn{}, &fakeConn{}
	s.Register("R", "h", old)
	s.Register("R", "h", fresh)

	require.True(t, s.SendTo("R", "h", []byte("x")))
	assert.Zero(t, old.count())
	assert.Equal(t, 1, fresh.count())
	assert.Equal(t, 1, s.Len("R"))
}

func TestUnregister(t *testing.T) {
	s := New(nil)
	s.Register("R", "b", &fakeConn{})
	s.Register("R", "a", &fakeConn{})

	assert.Equal(t, 2, s.Len("R"))
	assert.True(t, s.Unregister("R", "a"))
	assert.False(t, s.Unregister("R", "a"))
	assert.True(t, s.Unregister("R", "b"))
	assert.Zero(t, s.Len("R"))
}

func TestDropClosesTheRoom(t *testing.T) {
	var gone int
	s := New(func(string, string) { gone++ })
	a, b, other := &fakeConn{}, &fakeConn{}, &fakeConn{}
	s.Register("R", "a", a)
	s.Register("R", "b", b)
	s.Register("Q", "c", other)

	assert.Equal(t, 2, s.Drop("R"))
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.False(t, other.closed)
	assert.Zero(t, s.Len("R"))
	assert.Equal(t, 1, s.Len("Q"))
	assert.Zero(t, gone)

	assert.Zero(t, s.Drop("R"))
}
