package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/filterstream/data/cache"
	"github.com/sawpanic/filterstream/stream"
)

var receivedAt = time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)

func postMessage(id string) stream.Message {
	return stream.Message{
		Raw:          json.RawMessage(`{"data":{"id":"` + id + `","text":"hello"},"matching_rules":[{"id":"7","tag":"news"}]}`),
		ConnectionID: "conn-1",
		ReceivedAt:   receivedAt,
	}
}

type recordingSink struct {
	name   string
	err    error
	writes []stream.Message
	closed bool
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Write(_ context.Context, msg stream.Message) error {
	r.writes = append(r.writes, msg)
	return r.err
}

func (r *recordingSink) Close() error {
	r.closed = true
	return nil
}

type failingCache struct{}

func (failingCache) SeenBefore(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("cache down")
}

func (failingCache) Forget(context.Context, string) error { return errors.New("cache down") }

func (failingCache) Close() error { return nil }

func TestWriter_JSONLines(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter("stdout", &buf)

	require.NoError(t, w.Write(context.Background(), postMessage("1")))
	require.NoError(t, w.Write(context.Background(), postMessage("2")))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var got stream.Message
	require.NoError(t, json.Unmarshal(lines[1], &got))
	assert.Equal(t, "conn-1", got.ConnectionID)
	assert.JSONEq(t, string(postMessage("2").Raw), string(got.Raw))
	assert.Equal(t, "stdout", w.Name())
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	good := &recordingSink{name: "good"}
	bad := &recordingSink{name: "bad", err: errors.New("disk full")}

	outcomes := map[string]error{}
	multi := NewMulti(func(name string, err error) { outcomes[name] = err }, bad, good)

	err := multi.Write(context.Background(), postMessage("1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: disk full")
	assert.Len(t, good.writes, 1, "a failing sink must not block the others")
	assert.Len(t, bad.writes, 1)

	assert.NoError(t, outcomes["good"])
	assert.EqualError(t, outcomes["bad"], "disk full")
	assert.Equal(t, 2, multi.Len())

	require.NoError(t, multi.Close())
	assert.True(t, good.closed)
	assert.True(t, bad.closed)
}

func TestMulti_Empty(t *testing.T) {
	assert.NoError(t, NewMulti(nil).Write(context.Background(), postMessage("1")))
}

func TestDedup_DropsReplays(t *testing.T) {
	next := &recordingSink{name: "next"}
	d := NewDedup(next, cache.New(0), time.Hour)

	ctx := context.Background()
	require.NoError(t, d.Write(ctx, postMessage("1")))
	require.NoError(t, d.Write(ctx, postMessage("1")))
	require.NoError(t, d.Write(ctx, postMessage("2")))

	assert.Len(t, next.writes, 2)
	assert.Equal(t, uint64(1), d.Dropped())
	assert.Equal(t, "next", d.Name())
	require.NoError(t, d.Close())
	assert.True(t, next.closed)
}

func TestDedup_PassesPayloadsWithoutID(t *testing.T) {
	next := &recordingSink{name: "next"}
	d := NewDedup(next, cache.New(0), time.Hour)

	msg := stream.Message{Raw: json.RawMessage(`{"meta":{"sent":"now"}}`)}
	require.NoError(t, d.Write(context.Background(), msg))
	require.NoError(t, d.Write(context.Background(), msg))
	assert.Len(t, next.writes, 2)
}

func TestDedup_FailedDeliveryIsRetriedOnReplay(t *testing.T) {
	next := &recordingSink{name: "next", err: errors.New("archive down")}
	d := NewDedup(next, cache.New(0), time.Hour)
	ctx := context.Background()

	require.ErrorContains(t, d.Write(ctx, postMessage("1")), "archive down")

	next.err = nil
	require.NoError(t, d.Write(ctx, postMessage("1")))
	require.NoError(t, d.Write(ctx, postMessage("1")))

	assert.Len(t, next.writes, 2, "the replay after a failure is delivered, later ones are not")
	assert.Equal(t, uint64(1), d.Dropped())
}

func TestDedup_CacheFailureDelivers(t *testing.T) {
	next := &recordingSink{name: "next"}
	d := NewDedup(next, failingCache{}, time.Hour)

	require.NoError(t, d.Write(context.Background(), postMessage("1")))
	require.NoError(t, d.Write(context.Background(), postMessage("1")))
	assert.Len(t, next.writes, 2)
	assert.Zero(t, d.Dropped())
}
