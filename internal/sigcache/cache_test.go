package sigcache

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procscope/backend/internal/core"
)

func fixedStat(id FileIdentity) StatFunc {
	return func(string) (FileIdentity, error) { return id, nil }
}

func TestLookupHit(t *testing.T) {
	c := New(10, time.Hour)
	id := FileIdentity{MTime: time.Unix(100, 0), Inode: 7}
	c.SetStat(fixedStat(id))

	c.Insert("/bin/a", core.Signature{Signed: true, Valid: true, TeamID: "T"}, id)

	sig, ok := c.Lookup("/bin/a")
	require.True(t, ok)
	assert.Equal(t, "T", sig.TeamID)
	assert.Equal(t, uint64(1), c.Hits())
	assert.Equal(t, uint64(0), c.Misses())
}

func TestLookupMissOnUnknownPath(t *testing.T) {
	c := New(10, time.Hour)
	_, ok := c.Lookup("/bin/none")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Misses())
}

func TestStatErrorEvicts(t *testing.T) {
	c := New(10, time.Hour)
	id := FileIdentity{MTime: time.Unix(100, 0), Inode: 7}
	c.SetStat(fixedStat(id))
	c.Insert("/bin/a", core.Signature{Signed: true}, id)

	c.SetStat(func(string) (FileIdentity, error) {
		return FileIdentity{}, errors.New("gone")
	})

	_, ok := c.Lookup("/bin/a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestIdentityMismatchEvicts(t *testing.T) {
	c := New(10, time.Hour)
	id := FileIdentity{MTime: time.Unix(100, 0), Inode: 7}
	c.SetStat(fixedStat(id))
	c.Insert("/bin/a", core.Signature{Signed: true}, id)

	// Binary was replaced: same path, new inode.
	c.SetStat(fixedStat(FileIdentity{MTime: time.Unix(100, 0), Inode: 8}))

	_, ok := c.Lookup("/bin/a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestTTLExpiryEvicts(t *testing.T) {
	c := New(10, time.Hour)
	id := FileIdentity{MTime: time.Unix(100, 0), Inode: 7}
	c.SetStat(fixedStat(id))

	base := time.Unix(1000, 0)
	c.SetClock(func() time.Time { return base })
	c.Insert("/bin/a", core.Signature{Signed: true}, id)

	c.SetClock(func() time.Time { return base.Add(time.Hour + time.Second) })
	_, ok := c.Lookup("/bin/a")
	assert.False(t, ok)

	// Fresh insert after expiry hits again.
	c.Insert("/bin/a", core.Signature{Signed: true}, id)
	_, ok = c.Lookup("/bin/a")
	assert.True(t, ok)
}

func TestLRUEvictionAtCapacity(t *testing.T) {
	c := New(3, time.Hour)
	id := FileIdentity{MTime: time.Unix(100, 0), Inode: 1}
	c.SetStat(fixedStat(id))

	for i := 0; i < 3; i++ {
		c.Insert(fmt.Sprintf("/bin/%d", i), core.Signature{}, id)
	}
	// Touch /bin/0 so /bin/1 becomes LRU.
	_, ok := c.Lookup("/bin/0")
	require.True(t, ok)

	c.Insert("/bin/3", core.Signature{}, id)
	assert.Equal(t, 3, c.Len())

	_, ok = c.Lookup("/bin/1")
	assert.False(t, ok, "LRU entry should have been evicted")
	_, ok = c.Lookup("/bin/0")
	assert.True(t, ok)
}

func TestInsertUpdatesInPlace(t *testing.T) {
	c := New(2, time.Hour)
	id := FileIdentity{MTime: time.Unix(100, 0), Inode: 1}
	c.SetStat(fixedStat(id))

	c.Insert("/bin/a", core.Signature{TeamID: "old"}, id)
	c.Insert("/bin/a", core.Signature{TeamID: "new"}, id)
	assert.Equal(t, 1, c.Len())

	sig, ok := c.Lookup("/bin/a")
	require.True(t, ok)
	assert.Equal(t, "new", sig.TeamID)
}
