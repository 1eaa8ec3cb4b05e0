package instances

import (
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/golang-jwt/jwt/v4"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/waconsole/config"
	"go.etcd.io/bbolt"
)

type fakeAppContext struct {
	cfg *config.AppConfig
	bus EventBus.Bus
}

func (f *fakeAppContext) Config() *config.AppConfig { return f.cfg }
func (f *fakeAppContext) Bus() EventBus.Bus         { return f.bus }
func (f *fakeAppContext) CacheDB() *bbolt.DB        { return nil }
func (f *fakeAppContext) Scheduler() *cron.Cron     { return nil }
func (f *fakeAppContext) Release()                  {}

func newTestAppContext(token string) *fakeAppContext {
	cfg := config.DefaultAppConfig()
	cfg.Broker.TenantID = "tenant-a"
	cfg.Broker.AuthToken = token
	return &fakeAppContext{cfg: cfg, bus: EventBus.New()}
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestTokenExpired(t *testing.T) {
	now := time.Now()

	assert.True(t, tokenExpired(signedToken(t, now.Add(-time.Hour)), now))
	assert.False(t, tokenExpired(signedToken(t, now.Add(time.Hour)), now))

	// opaque tokens and garbage are taken at face value
	assert.False(t, tokenExpired("opaque-api-key", now))
	assert.False(t, tokenExpired("a.b.c", now))

	// no exp claim means no local expiry opinion
	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u"})
	signed, err := noExp.SignedString([]byte("k"))
	require.NoError(t, err)
	assert.False(t, tokenExpired(signed, now))
}

func TestControllerWiring(t *testing.T) {
	ac := newTestAppContext("tok")
	ac.cfg.Sync.PollInterval = 5 * time.Second
	ac.cfg.Sync.AutoQR = false

	ctrl, err := NewController(ac, ControllerOptions{Client: &fakeClient{
		respond: func(method, path string) (interface{}, error) { return listResponse(), nil },
	}})
	require.NoError(t, err)
	defer ctrl.Close()

	cfg := ctrl.Store().Config()
	assert.Equal(t, "tenant-a", cfg.TenantID)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.False(t, cfg.AutoQR)
	assert.True(t, ctrl.Visible(), "consoles start visible")
}

func TestControllerIsAuthenticated(t *testing.T) {
	ac := newTestAppContext(signedToken(t, time.Now().Add(time.Hour)))
	ctrl, err := NewController(ac, ControllerOptions{Client: &fakeClient{
		respond: func(method, path string) (interface{}, error) { return listResponse(), nil },
	}})
	require.NoError(t, err)
	defer ctrl.Close()

	assert.True(t, ctrl.IsAuthenticated())

	// a soft auth fallback defers sync without ending the session
	ctrl.Store().HandleAuthFallback(false)
	assert.False(t, ctrl.IsAuthenticated())

	// a successful load clears the deferral
	require.True(t, ctrl.Store().ApplyLoadResult(ctrl.Store().BeginLoad(), listPayload("i1"), ApplyMeta{}))
	assert.True(t, ctrl.IsAuthenticated())
}

func TestControllerIsAuthenticatedExpiredToken(t *testing.T) {
	ac := newTestAppContext(signedToken(t, time.Now().Add(-time.Hour)))
	ctrl, err := NewController(ac, ControllerOptions{Client: &fakeClient{
		respond: func(method, path string) (interface{}, error) { return listResponse(), nil },
	}})
	require.NoError(t, err)
	defer ctrl.Close()

	assert.False(t, ctrl.IsAuthenticated())
}

func TestControllerIsAuthenticatedNoToken(t *testing.T) {
	ac := newTestAppContext("")
	ctrl, err := NewController(ac, ControllerOptions{Client: &fakeClient{
		respond: func(method, path string) (interface{}, error) { return listResponse(), nil },
	}})
	require.NoError(t, err)
	defer ctrl.Close()

	assert.False(t, ctrl.IsAuthenticated())
}

func TestControllerVisibilityRefresh(t *testing.T) {
	client := &fakeClient{respond: func(method, path string) (interface{}, error) {
		return listResponse("i1"), nil
	}}
	ac := newTestAppContext("tok")
	ctrl, err := NewController(ac, ControllerOptions{
		Client: client,
		Jitter: func() time.Duration { return 0 },
	})
	require.NoError(t, err)
	defer ctrl.Close()

	ctrl.SetVisible(false)
	assert.False(t, ctrl.Visible())

	ctrl.SetVisible(true)
	require.Eventually(t, func() bool {
		return client.count("GET ?refresh=1") == 1
	}, time.Second, 10*time.Millisecond, "returning to visible fires one forced refresh")

	// setting visible while already visible schedules nothing
	ctrl.SetVisible(true)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, client.count("GET ?refresh=1"))
}

func TestControllerHiddenBlocksSync(t *testing.T) {
	ac := newTestAppContext("tok")
	ctrl, err := NewController(ac, ControllerOptions{Client: &fakeClient{
		respond: func(method, path string) (interface{}, error) { return listResponse(), nil },
	}})
	require.NoError(t, err)
	defer ctrl.Close()

	require.True(t, ctrl.shouldSync())
	ctrl.SetVisible(false)
	assert.False(t, ctrl.shouldSync())
}

func TestControllerAutoQR(t *testing.T) {
	client := &fakeClient{respond: func(method, path string) (interface{}, error) {
		return map[string]interface{}{"qr": "AUTO-CODE", "expires_in": 60}, nil
	}}
	ac := newTestAppContext("tok")
	ctrl, err := NewController(ac, ControllerOptions{Client: client})
	require.NoError(t, err)
	defer ctrl.Close()

	ctrl.QR().Subscribe()

	store := ctrl.Store()
	require.True(t, store.ApplyLoadResult(store.BeginLoad(), ParsedPayload{
		HasList:      true,
		RawInstances: []map[string]interface{}{{"id": "i1", "status": "qr"}},
	}, ApplyMeta{}))

	ctrl.maybeAutoQR()
	require.Eventually(t, func() bool {
		return store.QRSnapshot().Data == "AUTO-CODE"
	}, time.Second, 10*time.Millisecond)

	// a pending code suppresses regeneration
	ctrl.maybeAutoQR()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, client.count("GET i1/qr"))
}
