package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	"listproc/config"
	"listproc/models"
	"listproc/store"
	"listproc/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type fakeProcessor struct {
	report   *worker.RunReport
	err      error
	found    bool
	approved []string
	dropped  []string
	limit    int
	folder   models.Folder
}

func (f *fakeProcessor) RunOnce(ctx context.Context) (*worker.RunReport, error) {
	return f.report, f.err
}

func (f *fakeProcessor) Approve(ctx context.Context, fp string) (bool, *worker.RunReport, error) {
	f.approved = append(f.approved, fp)
	return f.found, f.report, f.err
}

func (f *fakeProcessor) Discard(ctx context.Context, fp string) (bool, error) {
	f.dropped = append(f.dropped, fp)
	return f.found, f.err
}

func (f *fakeProcessor) PendingMessages(ctx context.Context, limit int) ([]worker.MessageSummary, error) {
	f.limit = limit
	return []worker.MessageSummary{{Fingerprint: "abc", Subject: "hi"}}, f.err
}

func (f *fakeProcessor) FolderMessages(ctx context.Context, folder models.Folder, limit int) ([]worker.MessageSummary, error) {
	f.folder = folder
	f.limit = limit
	return nil, f.err
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newApp(p Processor, lists ListSource) *fiber.App {
	app := fiber.New()
	cron := NewCronController(p, quietLogger())
	moderation := NewModerationController(p, quietLogger())
	app.Get("/cron", cron.Handle)
	app.Get("/moderation/pending", moderation.Pending)
	app.Get("/moderation/folder/:name", moderation.Folder)
	if lists != nil {
		lc := NewListController(lists, quietLogger())
		app.Get("/lists", lc.Index)
		app.Get("/lists/:slug/export", lc.Export)
	}
	return app
}

func get(t *testing.T, app *fiber.App, target string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest("GET", target, nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestCronRunsCycle(t *testing.T) {
	p := &fakeProcessor{report: &worker.RunReport{RunID: "r1", Phase: worker.PhaseDone, Stats: models.RunStats{InboxProcessed: 2}}}
	status, body := get(t, newApp(p, nil), "/cron")

	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["success"])
	data := body["data"].(map[string]interface{})
	report := data["report"].(map[string]interface{})
	assert.Equal(t, "r1", report["run_id"])
	assert.Equal(t, "DONE", report["phase"])
}

func TestCronActions(t *testing.T) {
	tests := []struct {
		name   string
		target string
		proc   *fakeProcessor
		status int
	}{
		{"approve without uid", "/cron?action=approve", &fakeProcessor{}, fiber.StatusBadRequest},
		{"discard without uid", "/cron?action=discard&uid=", &fakeProcessor{}, fiber.StatusBadRequest},
		{"unknown action", "/cron?action=purge&uid=x", &fakeProcessor{}, fiber.StatusBadRequest},
		{"approve", "/cron?action=approve&uid=abc", &fakeProcessor{found: true, report: &worker.RunReport{}}, fiber.StatusOK},
		{"discard unknown", "/cron?action=discard&uid=abc", &fakeProcessor{}, fiber.StatusOK},
		{"run in progress", "/cron", &fakeProcessor{err: worker.ErrRunInProgress}, fiber.StatusConflict},
		{"fatal cycle", "/cron", &fakeProcessor{err: errors.New("imap down"), report: &worker.RunReport{Fatal: "imap down"}}, fiber.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := get(t, newApp(tt.proc, nil), tt.target)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestCronApproveReportsFound(t *testing.T) {
	p := &fakeProcessor{found: false}
	status, body := get(t, newApp(p, nil), "/cron?action=Approve&uid=abc")

	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, []string{"abc"}, p.approved)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, false, data["found"])
	assert.Equal(t, "approve", data["action"])
}

func TestFatalCycleReturnsReport(t *testing.T) {
	p := &fakeProcessor{err: errors.New("imap down"), report: &worker.RunReport{RunID: "r2", Fatal: "imap down"}}
	status, body := get(t, newApp(p, nil), "/cron")

	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, false, body["success"])
	report := body["report"].(map[string]interface{})
	assert.Equal(t, "imap down", report["fatal"])
}

func TestModerationListings(t *testing.T) {
	p := &fakeProcessor{}
	app := newApp(p, nil)

	status, body := get(t, app, "/moderation/pending?limit=5")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, 5, p.limit)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["count"])

	status, _ = get(t, app, "/moderation/pending?limit=-1")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, worker.DefaultListingLimit, p.limit)

	status, _ = get(t, app, "/moderation/folder/errors")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, models.FolderErrors, p.folder)

	status, _ = get(t, app, "/moderation/folder/trash")
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func newListStore(t *testing.T) *store.ListStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, config.MigrateDB(db))

	s := store.NewListStore(db)
	ctx := context.Background()
	require.NoError(t, s.CreateList(ctx, &models.List{Slug: "parents", Name: "Parents", Active: true}))
	_, _, err = s.AddSubscribers(ctx, "parents", "bob@example.org\njane@example.org")
	require.NoError(t, err)
	return s
}

func TestListExport(t *testing.T) {
	app := newApp(&fakeProcessor{}, newListStore(t))

	resp, err := app.Test(httptest.NewRequest("GET", "/lists/parents/export", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv; charset=utf-8", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "bob@example.org\njane@example.org\n", string(body))

	status, _ := get(t, app, "/lists/unknown/export")
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestListIndex(t *testing.T) {
	status, body := get(t, newApp(&fakeProcessor{}, newListStore(t)), "/lists")
	require.Equal(t, fiber.StatusOK, status)

	lists := body["data"].([]interface{})
	require.Len(t, lists, 1)
	first := lists[0].(map[string]interface{})
	assert.Equal(t, "parents", first["slug"])
	assert.Equal(t, float64(2), first["subscribers"])
}
