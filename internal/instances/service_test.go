package instances

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/waconsole/internal/domain"
	"github.com/talkincode/waconsole/internal/transport"
)

// fakeClient scripts broker responses per method+path and records calls.
type fakeClient struct {
	mu      sync.Mutex
	calls   []string
	respond func(method, path string) (interface{}, error)
}

func (f *fakeClient) record(method, path string) {
	f.mu.Lock()
	f.calls = append(f.calls, method+" "+path)
	f.mu.Unlock()
}

func (f *fakeClient) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeClient) deliver(method, path string, out interface{}) error {
	f.record(method, path)
	payload, err := f.respond(method, path)
	if err != nil {
		return err
	}
	if p, ok := out.(*interface{}); ok && p != nil {
		*p = payload
	}
	return nil
}

func (f *fakeClient) Get(_ context.Context, path string, out interface{}) error {
	return f.deliver("GET", path, out)
}

func (f *fakeClient) Post(_ context.Context, path string, _ interface{}, out interface{}) error {
	return f.deliver("POST", path, out)
}

func (f *fakeClient) Delete(_ context.Context, path string, out interface{}) error {
	return f.deliver("DELETE", path, out)
}

func listResponse(ids ...string) interface{} {
	items := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		items = append(items, map[string]interface{}{"id": id, "status": "connected"})
	}
	return map[string]interface{}{"data": items}
}

func newTestService(respond func(method, path string) (interface{}, error)) (*Service, *Store, *fakeClient) {
	store := newTestStore()
	client := &fakeClient{respond: respond}
	svc := NewService(store, client)
	svc.sleep = func(context.Context, time.Duration) error { return nil }
	return svc, store, client
}

func TestLoadInstancesSuccess(t *testing.T) {
	svc, store, client := newTestService(func(method, path string) (interface{}, error) {
		return listResponse("i1", "i2"), nil
	})

	res, err := svc.LoadInstances(context.Background(), LoadOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Forced)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, 1, client.count("GET "))

	snap := store.Snapshot()
	require.Len(t, snap.Instances, 2)
	assert.True(t, snap.HasFetchedOnce)
	assert.Equal(t, domain.LoadSuccess, snap.LoadStatus)
}

func TestLoadInstancesForcedUsesRefreshParam(t *testing.T) {
	svc, store, client := newTestService(func(method, path string) (interface{}, error) {
		return listResponse("i1"), nil
	})

	res, err := svc.LoadInstances(context.Background(), LoadOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, res.Forced)
	assert.Equal(t, 1, client.count("GET ?refresh=1"))
	assert.False(t, store.Snapshot().LastForcedAt.IsZero())
}

func TestLoadInstancesForceDowngradedInsideDebounce(t *testing.T) {
	svc, store, client := newTestService(func(method, path string) (interface{}, error) {
		return listResponse("i1"), nil
	})
	store.MarkForcedAt(time.Now())

	res, err := svc.LoadInstances(context.Background(), LoadOptions{Force: true})
	require.NoError(t, err)
	assert.False(t, res.Forced, "force inside the debounce window downgrades")
	assert.Equal(t, 0, client.count("GET ?refresh=1"))
	assert.Equal(t, 1, client.count("GET "))
}

func TestLoadInstancesEmptyListEscalatesExactlyOnce(t *testing.T) {
	svc, _, client := newTestService(func(method, path string) (interface{}, error) {
		if path == "?refresh=1" {
			return listResponse("fresh"), nil
		}
		return map[string]interface{}{"data": []interface{}{}}, nil
	})

	res, err := svc.LoadInstances(context.Background(), LoadOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, 1, client.count("GET ?refresh=1"), "exactly one forced escalation")
}

func TestLoadInstancesEmptyForcedDoesNotLoop(t *testing.T) {
	svc, store, client := newTestService(func(method, path string) (interface{}, error) {
		return map[string]interface{}{"data": []interface{}{}}, nil
	})

	res, err := svc.LoadInstances(context.Background(), LoadOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, client.count("GET ?refresh=1"))
	assert.Empty(t, store.Snapshot().Instances)
}

func TestLoadInstancesRetriesTransientForcedFailures(t *testing.T) {
	attempts := 0
	svc, _, _ := newTestService(func(method, path string) (interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, &transport.APIError{Status: 502, Message: "bad gateway"}
		}
		return listResponse("i1"), nil
	})

	res, err := svc.LoadInstances(context.Background(), LoadOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, attempts)
}

func TestLoadInstancesRateLimitStartsCooldown(t *testing.T) {
	svc, store, _ := newTestService(func(method, path string) (interface{}, error) {
		return nil, &transport.APIError{Status: 429, RetryAfter: 45 * time.Second}
	})

	_, err := svc.LoadInstances(context.Background(), LoadOptions{})
	require.Error(t, err, "no cached list to fall back to")

	snap := store.Snapshot()
	assert.True(t, snap.RateLimitUntil.After(time.Now().Add(30*time.Second)))
	assert.False(t, store.AllowForced())
}

func TestLoadInstancesFailureFallsBackToCache(t *testing.T) {
	healthy := true
	svc, store, _ := newTestService(func(method, path string) (interface{}, error) {
		if healthy {
			return listResponse("held"), nil
		}
		return nil, &transport.APIError{Status: 503, Message: "unavailable"}
	})

	_, err := svc.LoadInstances(context.Background(), LoadOptions{})
	require.NoError(t, err)

	healthy = false
	res, err := svc.LoadInstances(context.Background(), LoadOptions{})
	require.NoError(t, err, "broker blip must not surface while a list is held")
	assert.True(t, res.FromCache)

	snap := store.Snapshot()
	require.Len(t, snap.Instances, 1)
	assert.Equal(t, domain.LoadSuccess, snap.LoadStatus)
	assert.Empty(t, snap.LastError)
}

func TestLoadInstancesAuthSoftThenHard(t *testing.T) {
	svc, store, _ := newTestService(func(method, path string) (interface{}, error) {
		return nil, &transport.APIError{Status: 401, Message: "unauthorized"}
	})
	require.True(t, store.ApplyLoadResult(store.BeginLoad(), listPayload("mine"), ApplyMeta{}))

	// first 401: soft, data preserved
	res, err := svc.LoadInstances(context.Background(), LoadOptions{})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	snap := store.Snapshot()
	assert.True(t, snap.AuthDeferred)
	assert.True(t, snap.SessionActive)
	require.Len(t, snap.Instances, 1)

	// repeated 401: confirmed loss, everything cleared
	res, err = svc.LoadInstances(context.Background(), LoadOptions{})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	snap = store.Snapshot()
	assert.False(t, snap.SessionActive)
	assert.Empty(t, snap.Instances)
}

func TestLoadInstancesAuthStreakResetsOnSuccess(t *testing.T) {
	fail := true
	svc, store, _ := newTestService(func(method, path string) (interface{}, error) {
		if fail {
			return nil, &transport.APIError{Status: 401}
		}
		return listResponse("i1"), nil
	})

	_, _ = svc.LoadInstances(context.Background(), LoadOptions{})
	fail = false
	_, err := svc.LoadInstances(context.Background(), LoadOptions{})
	require.NoError(t, err)

	fail = true
	_, _ = svc.LoadInstances(context.Background(), LoadOptions{})
	snap := store.Snapshot()
	assert.True(t, snap.SessionActive, "one 401 after a success is soft again")
	require.Len(t, snap.Instances, 1)
}

// Load cycles fire concurrently from the poll loop, visibility triggers and
// the web API; the auth streak must stay consistent when 401s and successes
// interleave across goroutines.
func TestLoadInstancesConcurrentAuthSignals(t *testing.T) {
	var mode atomic.Int32 // 0 alternate, 1 always succeed, 2 always 401
	var n atomic.Int64
	svc, store, _ := newTestService(func(method, path string) (interface{}, error) {
		switch mode.Load() {
		case 1:
			return listResponse("i1"), nil
		case 2:
			return nil, &transport.APIError{Status: 401}
		default:
			if n.Add(1)%2 == 0 {
				return nil, &transport.APIError{Status: 401}
			}
			return listResponse("i1"), nil
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 8; j++ {
				_, _ = svc.LoadInstances(context.Background(), LoadOptions{})
			}
		}()
	}
	wg.Wait()

	// settle: one success resets the streak, then a single 401 must be soft
	mode.Store(1)
	res, err := svc.LoadInstances(context.Background(), LoadOptions{})
	require.NoError(t, err)
	require.True(t, res.Success || res.Skipped)

	mode.Store(2)
	_, err = svc.LoadInstances(context.Background(), LoadOptions{})
	require.NoError(t, err)

	snap := store.Snapshot()
	assert.True(t, snap.SessionActive, "single 401 after a success must not hard-reset")
	require.Len(t, snap.Instances, 1)
}

func TestCreateInstanceValidation(t *testing.T) {
	svc, _, client := newTestService(func(method, path string) (interface{}, error) {
		t.Fatal("validation failures must not reach the network")
		return nil, nil
	})

	_, err := svc.CreateInstance(context.Background(), CreateRequest{Name: "   "})
	require.Error(t, err)
	assert.Empty(t, client.calls)
}

func TestCreateInstanceReloadsPreferringNewID(t *testing.T) {
	svc, store, client := newTestService(func(method, path string) (interface{}, error) {
		if method == "POST" {
			return map[string]interface{}{"instance": map[string]interface{}{"id": "created-id"}}, nil
		}
		return listResponse("existing", "created-id"), nil
	})

	res, err := svc.CreateInstance(context.Background(), CreateRequest{Name: "new one"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "created-id", res.InstanceID)
	assert.Equal(t, 1, client.count("POST "))

	snap := store.Snapshot()
	require.NotNil(t, snap.Current)
	assert.Equal(t, "created-id", snap.Current.ID)
}

func TestCreateInstanceRetryableGuidance(t *testing.T) {
	svc, _, _ := newTestService(func(method, path string) (interface{}, error) {
		return nil, &transport.APIError{Status: 503, Code: transport.CodeBrokerTimeout}
	})

	res, err := svc.CreateInstance(context.Background(), CreateRequest{Name: "x"})
	require.Error(t, err)
	assert.True(t, res.Retryable)
	assert.Contains(t, res.Message, "retried safely")
}

func TestDeleteInstanceAlreadyGoneIsSuccess(t *testing.T) {
	svc, store, client := newTestService(func(method, path string) (interface{}, error) {
		if method == "DELETE" {
			return nil, &transport.APIError{Status: 404, Code: "INSTANCE_NOT_FOUND"}
		}
		return listResponse("other"), nil
	})
	require.True(t, store.ApplyLoadResult(store.BeginLoad(), listPayload("gone", "other"), ApplyMeta{}))

	res, err := svc.DeleteInstance(context.Background(), DeleteRequest{ID: "gone"})
	require.NoError(t, err, "already-gone deletes succeed")
	assert.True(t, res.Success)
	assert.Equal(t, 1, client.count("DELETE gone"))

	for _, inst := range store.Snapshot().Instances {
		assert.NotEqual(t, "gone", inst.ID)
	}
}

func TestDeleteInstanceWipeParam(t *testing.T) {
	svc, _, client := newTestService(func(method, path string) (interface{}, error) {
		if method == "DELETE" {
			return nil, nil
		}
		return listResponse(), nil
	})

	_, err := svc.DeleteInstance(context.Background(), DeleteRequest{ID: "i1", Wipe: true})
	require.NoError(t, err)
	assert.Equal(t, 1, client.count("DELETE i1?wipe=1"))
}

func TestConnectInstanceStatusProbeAdoptsQR(t *testing.T) {
	svc, store, client := newTestService(func(method, path string) (interface{}, error) {
		return map[string]interface{}{
			"instance": map[string]interface{}{"id": "i1", "status": "qr"},
			"qr":       "PAIRING-CODE",
		}, nil
	})

	res, err := svc.ConnectInstance(context.Background(), ConnectRequest{ID: "i1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, client.count("GET i1/status"))

	snap := store.Snapshot()
	assert.Equal(t, "PAIRING-CODE", snap.QR.Data)
	assert.Equal(t, "i1", snap.QR.InstanceID)
	require.Len(t, snap.Instances, 1)
	assert.Equal(t, domain.StatusQRRequired, snap.Instances[0].Status)
}

func TestConnectInstancePairingPath(t *testing.T) {
	svc, _, client := newTestService(func(method, path string) (interface{}, error) {
		return map[string]interface{}{"instance": map[string]interface{}{"id": "i1", "status": "pairing"}}, nil
	})

	_, err := svc.ConnectInstance(context.Background(), ConnectRequest{ID: "i1", Phone: "628123", Code: "ABCD-1234"})
	require.NoError(t, err)
	assert.Equal(t, 1, client.count("POST i1/pair"))

	// phone without code is rejected locally
	_, err = svc.ConnectInstance(context.Background(), ConnectRequest{ID: "i1", Phone: "628123"})
	require.Error(t, err)
}

func TestMarkConnectedReflectsGroundTruth(t *testing.T) {
	connected := false
	svc, store, _ := newTestService(func(method, path string) (interface{}, error) {
		status := "qr"
		if connected {
			status = "connected"
		}
		return map[string]interface{}{"instance": map[string]interface{}{"id": "i1", "status": status}}, nil
	})
	store.SetQR("i1", "CODE", time.Now().Add(time.Minute), 60)

	res, err := svc.MarkConnected(context.Background(), "i1")
	require.NoError(t, err)
	assert.False(t, res.Success, "broker says not connected, no optimistic flip")
	assert.Contains(t, res.Message, "still not connected")
	assert.Equal(t, "CODE", store.Snapshot().QR.Data, "QR kept while pairing is unconfirmed")

	connected = true
	res, err = svc.MarkConnected(context.Background(), "i1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, store.Snapshot().QR.Data, "QR cleared after confirmation")
	require.Len(t, store.Snapshot().Instances, 1)
	assert.True(t, store.Snapshot().Instances[0].Connected)
}
