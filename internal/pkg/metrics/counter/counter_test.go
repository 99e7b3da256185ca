package counter

import (
	"context"
	"testing"

	"github.com/ManuelReschke/TaxDesk/internal/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "webhook:applied", Key("Webhook", " applied "))
	assert.Equal(t, "translation_gap:broker_a:ne_ec03", Key("translation_gap", "broker_a", "NE_EC03"))
	assert.Equal(t, "translation_gap:direct:unknown", Key("translation_gap", "direct", ""))
	assert.Equal(t, "a:b_c", Key("a", "b:c"))
}

func TestMemoryCounter(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()
	c.Incr(ctx, "x")
	c.Incr(ctx, "x")
	c.Incr(ctx, "y")

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"x": 2, "y": 1}, snap)
	assert.Equal(t, []string{"x", "y"}, Names(snap))
	assert.Equal(t, int64(2), c.Get("x"))
}

func TestRedisCounter(t *testing.T) {
	client := testutil.NewRedisClient(t, 12)
	c := NewRedisCounter(client)
	ctx := context.Background()

	c.Incr(ctx, Key("webhook", "incomplete"))
	c.Incr(ctx, Key("webhook", "incomplete"))

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap["webhook:incomplete"])
}
