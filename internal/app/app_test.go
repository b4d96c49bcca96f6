package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsched/internal/config"
	"mailsched/internal/mail"
	"mailsched/internal/storage"
	logx "mailsched/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

const testConfig = `
http:
  addr: "127.0.0.1:0"
logging:
  level: error
storage:
  driver: memory
scheduler:
  schedule_window: 1m
  database_check_interval: 50ms
mail:
  servers:
    - name: local
      host: 127.0.0.1
      port: 1
      sender: noreply@example.com
      timeout: 100ms
report:
  spec: ""
`

func TestAppSchedulesThroughHTTP(t *testing.T) {
	a, err := NewApp(writeConfig(t, testConfig))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	ts := time.Now().Add(time.Hour).UnixMilli()
	req := httptest.NewRequest(http.MethodPost, "/mails", strings.NewReader(
		`{"to":["a@example.com"],"subject":"later","timestamp":`+strconv.FormatInt(ts, 10)+`}`))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "taskId")

	n, err := a.store.Count(context.Background(), storage.StatusCreated)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.NoError(t, a.Stop(ctx, StopSignal))
}

func TestAppStopRollsBackArmedTasks(t *testing.T) {
	a, err := NewApp(writeConfig(t, testConfig))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	// Due inside the window but far enough out that it stays armed.
	id, err := a.mails.SendMailAt(context.Background(), mailMessage(), time.Now().Add(30*time.Second).UnixMilli())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, ok, err := a.store.Get(context.Background(), id)
		return err == nil && ok && task.Status == storage.StatusScheduled
	}, 2*time.Second, 10*time.Millisecond)

	// Keep the store open past Stop so the rollback can be inspected.
	store := a.store
	a.store = nopCloseStore{store}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSignal))

	task, ok, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, storage.StatusCreated, task.Status)
	_ = store.Close()
}

func TestHealthReportsSchedulerAndGoroutines(t *testing.T) {
	a, err := NewApp(writeConfig(t, testConfig))
	require.NoError(t, err)

	get := func() Health {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var h Health
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
		return h
	}

	h := get()
	assert.False(t, h.Scheduler.Active)
	assert.Nil(t, h.Goroutines, "no supervisor before Start")

	require.NoError(t, a.Start(context.Background()))
	h = get()
	assert.True(t, h.Scheduler.Active)
	require.NotNil(t, h.Goroutines)
	assert.GreaterOrEqual(t, h.Goroutines.Started, uint64(4))
	assert.Positive(t, h.Goroutines.Active)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSignal))
	assert.Zero(t, a.sup.Counters().Active)
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	_, err := NewApp(writeConfig(t, "storage:\n  driver: mongodb\n"))
	require.Error(t, err)

	_, err = NewApp(writeConfig(t, "report:\n  spec: \"not a spec\"\nstorage:\n  driver: memory\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "report.spec")
}

func TestApplyConfigHotReloadsReport(t *testing.T) {
	a, err := NewApp(writeConfig(t, testConfig))
	require.NoError(t, err)
	defer func() { _ = a.Stop(context.Background(), StopUnknown) }()

	prev := a.cfgm.Get()
	next := *prev
	next.Report = &config.ReportConfig{Spec: "@every 1h"}
	a.applyConfig(prev, &next)
	assert.Equal(t, "@every 1h", a.report.spec)
	assert.NotZero(t, a.report.entry)

	bad := next
	bad.Report = &config.ReportConfig{Spec: "@never"}
	entry := a.report.entry
	a.applyConfig(&next, &bad)
	assert.Equal(t, "@every 1h", a.report.spec)
	assert.Equal(t, entry, a.report.entry)
}

func TestMapSchedulerConfigLegacyMillis(t *testing.T) {
	cfg := &config.Config{Scheduler: config.SchedulerConfig{
		ScheduleWindowInMilliseconds:        2000,
		DatabaseCheckIntervalInMilliseconds: 500,
	}}
	sc, err := mapSchedulerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, sc.ScheduleWindow)
	assert.Equal(t, 500*time.Millisecond, sc.CheckInterval)
}

func TestMapStorageConfigDefaults(t *testing.T) {
	sc, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, defaultDBPath, sc.Path)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	sc, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "MEM"}})
	require.NoError(t, err)
	assert.Equal(t, "memory", sc.Driver)
}

func TestMapMailConfigNamesFallBackToHost(t *testing.T) {
	mc, timeout, err := mapMailConfig(&config.Config{Mail: config.MailConfig{
		Servers: []config.MailServerConfig{{Host: " smtp.example.com ", Sender: "a@example.com", Timeout: "3s"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, timeout)
	require.Len(t, mc.Servers, 1)
	assert.Equal(t, "smtp.example.com", mc.Servers[0].Name)
	assert.Equal(t, 3*time.Second, mc.Servers[0].Timeout)
}

func TestReporterCountsStatuses(t *testing.T) {
	st := storage.NewMemory()
	defer func() { _ = st.Close() }()
	_, err := st.Insert(context.Background(), storage.Task{Event: "e", TriggerTime: time.Now()})
	require.NoError(t, err)

	r := newReporter(st, time.Second, logx.Nop())
	require.NoError(t, r.Apply("@every 1h"))
	require.NoError(t, r.Apply("@every 1h"))
	r.report()
	require.NoError(t, r.Apply(""))
	assert.Zero(t, r.entry)
}

func mailMessage() mail.Message {
	return mail.Message{To: []string{"a@example.com"}, Subject: "soon", Text: "hi"}
}

type nopCloseStore struct{ storage.Store }

func (nopCloseStore) Close() error { return nil }
