//go:build integration

package build

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkgate/pkg/platform/sentinel"
	"zkgate/pkg/testutil/containers"
)

func TestRedisJobStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	rc := containers.GetManager().GetRedis(t)
	require.NoError(t, rc.FlushAll(context.Background()))
	store := NewRedisJobStore(rc.Client, time.Minute)
	ctx := context.Background()

	job := newJob(Request{TenantID: "acme", Document: []byte(`{"use_case":"x"}`)}, "https://hooks.example.com", time.Now().UTC())
	require.NoError(t, store.Save(ctx, job))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.TenantID, got.TenantID)
	assert.Equal(t, job.Document, got.Document)
	assert.Equal(t, JobQueued, got.Status)

	ttl, err := rc.Client.TTL(ctx, jobKeyPrefix+job.ID).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}
