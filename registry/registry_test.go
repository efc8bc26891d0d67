package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/taskmesh/core"
)

func testReg() *Registry[core.TaskConfig] {
	return New[core.TaskConfig](core.KindTask, nil)
}

func taskCfg(id string) core.TaskConfig {
	return core.TaskConfig{Meta: core.Meta{ID: id, OrgID: "org", Name: id}}
}

func TestRegistry_PutGet(t *testing.T) {
	r := testReg()
	r.Put(taskCfg("t1"))
	r.Put(taskCfg("t2"))

	got, ok := r.Get("t1")
	assert.True(t, ok)
	assert.Equal(t, "t1", got.ID)
	assert.True(t, r.Has("t2"))
	assert.False(t, r.Has("t3"))
	assert.Equal(t, []string{"t1", "t2"}, r.IDs())
	assert.Len(t, r.All(), 2)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_PutReplacesSnapshot(t *testing.T) {
	r := testReg()
	r.Put(taskCfg("t1"))

	updated := taskCfg("t1")
	updated.Name = "renamed"
	r.Put(updated)

	got, _ := r.Get("t1")
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_RemoveReleasesSubscriptions(t *testing.T) {
	r := testReg()
	r.Put(taskCfg("t1"))

	released := 0
	r.Track("t1", "res-a", func() { released++ })
	r.Track("t1", "chan-b", func() { released++ })
	assert.Equal(t, 2, r.SubscriptionCount())

	r.Remove("t1")
	assert.False(t, r.Has("t1"))
	assert.Equal(t, 2, released)
	assert.Zero(t, r.SubscriptionCount())
}

func TestRegistry_TrackReplacesSameKey(t *testing.T) {
	r := testReg()
	r.Put(taskCfg("t1"))

	oldReleased := false
	r.Track("t1", "res-a", func() { oldReleased = true })
	r.Track("t1", "res-a", func() {})

	// Re-registration leaves exactly one live subscription per key.
	assert.True(t, oldReleased)
	assert.Equal(t, 1, r.SubscriptionCount())
}

func TestRegistry_RemoveUnknownIsNoOp(t *testing.T) {
	r := testReg()
	r.Remove("missing")
	assert.Zero(t, r.Len())
}

func TestRegistry_RemoveLeavesOtherOwners(t *testing.T) {
	r := testReg()
	r.Put(taskCfg("t1"))
	r.Put(taskCfg("t2"))

	var released []string
	r.Track("t1", "res", func() { released = append(released, "t1") })
	r.Track("t2", "res", func() { released = append(released, "t2") })

	r.Remove("t1")
	assert.Equal(t, []string{"t1"}, released)
	assert.Equal(t, 1, r.SubscriptionCount())
}

func TestRegistry_Destroy(t *testing.T) {
	r := testReg()
	r.Put(taskCfg("t1"))
	r.Put(taskCfg("t2"))
	r.Track("t1", "x", func() {})

	r.Destroy()
	assert.Zero(t, r.Len())
	assert.Zero(t, r.SubscriptionCount())
}
