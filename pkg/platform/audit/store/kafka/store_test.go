package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	audit "zkgate/pkg/platform/audit"
)

type recordingProducer struct {
	records []*kgo.Record
	err     error
}

func (p *recordingProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		p.records = append(p.records, r)
		results = append(results, kgo.ProduceResult{Record: r, Err: p.err})
	}
	return results
}

func TestAppend(t *testing.T) {
	producer := &recordingProducer{}
	store := New(producer, "zkgate.audit")
	ts := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

	err := store.Append(context.Background(), audit.Event{
		Action:    string(audit.EventGatewayDenied),
		TenantID:  "acme",
		Reason:    "replay_detected",
		Timestamp: ts,
	})
	require.NoError(t, err)
	require.Len(t, producer.records, 1)

	rec := producer.records[0]
	assert.Equal(t, "zkgate.audit", rec.Topic)
	assert.Equal(t, []byte("acme"), rec.Key)
	assert.Equal(t, ts, rec.Timestamp)
	assert.Contains(t, rec.Headers, kgo.RecordHeader{Key: "category", Value: []byte("security")})

	var decoded audit.Event
	require.NoError(t, json.Unmarshal(rec.Value, &decoded))
	assert.Equal(t, audit.CategorySecurity, decoded.Category)
	assert.Equal(t, "replay_detected", decoded.Reason)
}

func TestAppend_ProduceError(t *testing.T) {
	store := New(&recordingProducer{err: errors.New("not leader")}, "zkgate.audit")
	err := store.Append(context.Background(), audit.Event{Action: "build_failed"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not leader")
}
