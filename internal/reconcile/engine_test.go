package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divitel/kroket-quota/internal/quota"
	"github.com/divitel/kroket-quota/internal/worklist"
)

type staticSubscribers struct {
	subs []quota.Subscriber
	err  error
}

func (s staticSubscribers) Subscribers(context.Context) ([]quota.Subscriber, error) {
	return s.subs, s.err
}

type staticBundles struct {
	table quota.BundleTable
	err   error
}

func (s staticBundles) Load(context.Context) (quota.BundleTable, error) {
	return s.table, s.err
}

type submission struct {
	ID      string
	Record  string
	Minutes int
}

type fakeRemediator struct {
	fetchErr  map[string]error
	submitErr map[string]error
	fetched   []string
	submitted []submission
}

func (f *fakeRemediator) FetchRecord(_ context.Context, id string) (string, error) {
	f.fetched = append(f.fetched, id)
	if err := f.fetchErr[id]; err != nil {
		return "", err
	}
	return "data-" + id, nil
}

func (f *fakeRemediator) SubmitQuota(_ context.Context, id, record string, minutes int) error {
	if err := f.submitErr[id]; err != nil {
		return err
	}
	f.submitted = append(f.submitted, submission{ID: id, Record: record, Minutes: minutes})
	return nil
}

type fakeEscalator struct {
	counts []int
	key    string
	err    error
}

func (f *fakeEscalator) Raise(_ context.Context, count int) (string, error) {
	f.counts = append(f.counts, count)
	return f.key, f.err
}

type failingWorklist struct {
	ids     []string
	loadErr error
	saveErr error
	saved   []string
	cleared bool
}

func (w *failingWorklist) Load() ([]string, error) { return w.ids, w.loadErr }
func (w *failingWorklist) Clear() error            { w.cleared = true; return nil }
func (w *failingWorklist) Save(ids []string) error {
	if w.saveErr != nil {
		return w.saveErr
	}
	w.saved = append([]string(nil), ids...)
	return nil
}

// table maps bundle 957 to 2000 hours (120000 minutes) and 134 to 10 hours.
func testTable() quota.BundleTable {
	return quota.BundleTableFromHours(map[int]int{957: 2000, 134: 10})
}

func mismatched(n int) []quota.Subscriber {
	subs := make([]quota.Subscriber, n)
	for i := range subs {
		subs[i] = quota.Subscriber{
			ID:          strconv.Itoa(1000 + i),
			OnFileQuota: "7777",
			BundleIDs:   []string{"957"},
		}
	}
	return subs
}

type harness struct {
	engine    *Engine
	remediate *fakeRemediator
	escalate  *fakeEscalator
	store     *worklist.Store
}

func newHarness(t *testing.T, subs []quota.Subscriber) *harness {
	t.Helper()
	h := &harness{
		remediate: &fakeRemediator{},
		escalate:  &fakeEscalator{key: "DIV-42"},
		store:     worklist.New(filepath.Join(t.TempDir(), worklist.DefaultPath)),
	}
	h.engine = &Engine{
		Cutoff:      DefaultCutoff,
		Subscribers: staticSubscribers{subs: subs},
		Bundles:     staticBundles{table: testTable()},
		Remediator:  h.remediate,
		Escalator:   h.escalate,
		Worklist:    h.store,
		Log:         slog.New(slog.DiscardHandler),
	}
	return h
}

func TestRunMatchingSubscriberIsLeftAlone(t *testing.T) {
	h := newHarness(t, []quota.Subscriber{
		{ID: "171669", OnFileQuota: "120000", BundleIDs: []string{"134", "957"}},
	})
	res, err := h.engine.Run(context.Background(), ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Zero(t, res.Targets)
	assert.Empty(t, h.remediate.fetched)
	assert.Empty(t, h.escalate.counts)
}

func TestRunRemediatesMismatch(t *testing.T) {
	h := newHarness(t, []quota.Subscriber{
		{ID: "171669", OnFileQuota: "7777", BundleIDs: []string{"134", "957"}},
	})
	res, err := h.engine.Run(context.Background(), ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 1, res.Remediated)
	assert.Equal(t, []submission{{ID: "171669", Record: "data-171669", Minutes: 120000}}, h.remediate.submitted)
}

func TestRunCutoffBoundary(t *testing.T) {
	t.Run("at cutoff remediates", func(t *testing.T) {
		h := newHarness(t, mismatched(DefaultCutoff))
		res, err := h.engine.Run(context.Background(), ModeAuto)
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, res.State)
		assert.Equal(t, DefaultCutoff, res.Remediated)
		assert.Len(t, h.remediate.submitted, DefaultCutoff)
		assert.Empty(t, h.escalate.counts)

		ids, err := h.store.Load()
		assert.Error(t, err, "worklist must not be written")
		assert.Empty(t, ids)
	})

	t.Run("above cutoff escalates", func(t *testing.T) {
		h := newHarness(t, mismatched(DefaultCutoff+1))
		res, err := h.engine.Run(context.Background(), ModeAuto)
		require.NoError(t, err)
		assert.Equal(t, StateAborted, res.State)
		assert.Empty(t, h.remediate.fetched)
		assert.Equal(t, []int{DefaultCutoff + 1}, h.escalate.counts)
	})
}

func TestRunAbortWritesWorklistAndRaisesOneTicket(t *testing.T) {
	subs := mismatched(30)
	h := newHarness(t, subs)

	res, err := h.engine.Run(context.Background(), ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, 30, res.Targets)
	assert.Equal(t, "DIV-42", res.TicketKey)
	assert.Equal(t, []int{30}, h.escalate.counts)
	assert.Empty(t, h.remediate.fetched)
	assert.Empty(t, h.remediate.submitted)

	ids, err := h.store.Load()
	require.NoError(t, err)
	want := make([]string, len(subs))
	for i, s := range subs {
		want[i] = s.ID
	}
	assert.Equal(t, want, ids)
}

func TestRunAbortWithZeroCutoff(t *testing.T) {
	h := newHarness(t, mismatched(1))
	h.engine.Cutoff = 0
	res, err := h.engine.Run(context.Background(), ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, []int{1}, h.escalate.counts)
}

func TestRunAbortSaveFailureStillRaisesTicket(t *testing.T) {
	h := newHarness(t, mismatched(30))
	h.engine.Worklist = &failingWorklist{saveErr: errors.New("read-only file system")}

	res, err := h.engine.Run(context.Background(), ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, []int{30}, h.escalate.counts)
}

func TestRunAbortTicketFailureStaysAborted(t *testing.T) {
	h := newHarness(t, mismatched(30))
	h.escalate.key = ""
	h.escalate.err = errors.New("jira API returned 401")

	res, err := h.engine.Run(context.Background(), ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, StateAborted, res.State)
	assert.Empty(t, res.TicketKey)

	ids, err := h.store.Load()
	require.NoError(t, err)
	assert.Len(t, ids, 30)
}

func TestRunAbortWithoutEscalator(t *testing.T) {
	h := newHarness(t, mismatched(30))
	h.engine.Escalator = nil
	res, err := h.engine.Run(context.Background(), ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, StateAborted, res.State)
	ids, err := h.store.Load()
	require.NoError(t, err)
	assert.Len(t, ids, 30)
}

func TestRunFetchFailureIsIsolated(t *testing.T) {
	h := newHarness(t, mismatched(3))
	h.remediate.fetchErr = map[string]error{"1001": errors.New("prodis GET returned 404")}
	h.remediate.submitErr = map[string]error{"1002": errors.New("prodis PUT returned 500")}

	res, err := h.engine.Run(context.Background(), ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, []string{"1000", "1001", "1002"}, h.remediate.fetched)
	assert.Equal(t, []submission{{ID: "1000", Record: "data-1000", Minutes: 120000}}, h.remediate.submitted)
	assert.Equal(t, 1, res.Remediated)
	assert.Equal(t, 2, res.Failed)
}

func TestRunManualWithEmptyWorklist(t *testing.T) {
	h := newHarness(t, mismatched(3))
	require.NoError(t, h.store.Clear())

	res, err := h.engine.Run(context.Background(), ModeManual)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Zero(t, res.Targets)
	assert.Empty(t, h.remediate.fetched)

	ids, err := h.store.Load()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRunManualWithMissingWorklist(t *testing.T) {
	h := newHarness(t, mismatched(3))

	res, err := h.engine.Run(context.Background(), ModeManual)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Empty(t, h.remediate.fetched)

	ids, err := h.store.Load()
	require.NoError(t, err, "worklist is cleared, which creates it")
	assert.Empty(t, ids)
}

func TestRunManualRemediatesWorklistAndClearsIt(t *testing.T) {
	subs := append(mismatched(2), quota.Subscriber{ID: "5", OnFileQuota: "600", BundleIDs: []string{"134"}})
	h := newHarness(t, subs)
	require.NoError(t, h.store.Save([]string{"5", "1001", "404", "1001"}))

	res, err := h.engine.Run(context.Background(), ModeManual)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 4, res.Targets)
	assert.Equal(t, 3, res.Remediated)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []submission{
		{ID: "5", Record: "data-5", Minutes: 600},
		{ID: "1001", Record: "data-1001", Minutes: 120000},
		{ID: "1001", Record: "data-1001", Minutes: 120000},
	}, h.remediate.submitted)
	assert.Empty(t, h.escalate.counts)

	ids, err := h.store.Load()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRunManualIgnoresCutoff(t *testing.T) {
	subs := mismatched(30)
	h := newHarness(t, subs)
	ids := make([]string, len(subs))
	for i, s := range subs {
		ids[i] = s.ID
	}
	require.NoError(t, h.store.Save(ids))

	res, err := h.engine.Run(context.Background(), ModeManual)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 30, res.Remediated)
	assert.Empty(t, h.escalate.counts)
}

func TestRunManualUnreadableWorklist(t *testing.T) {
	h := newHarness(t, mismatched(1))
	wl := &failingWorklist{ids: []string{"1000"}, loadErr: errors.New("permission denied")}
	h.engine.Worklist = wl

	res, err := h.engine.Run(context.Background(), ModeManual)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Empty(t, h.remediate.fetched)
	assert.True(t, wl.cleared)
}

func TestRunManualSkipsMalformedTarget(t *testing.T) {
	h := newHarness(t, []quota.Subscriber{{ID: "9", OnFileQuota: "lots"}})
	require.NoError(t, h.store.Save([]string{"9"}))

	res, err := h.engine.Run(context.Background(), ModeManual)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, h.remediate.fetched)
}

func TestRunEmptyBundleTableIsFatal(t *testing.T) {
	for _, table := range []quota.BundleTable{nil, {}} {
		for _, mode := range []Mode{ModeAuto, ModeManual} {
			t.Run(fmt.Sprintf("%s/%d", mode, len(table)), func(t *testing.T) {
				h := newHarness(t, mismatched(1))
				h.engine.Bundles = staticBundles{table: table}
				res, err := h.engine.Run(context.Background(), mode)
				assert.ErrorIs(t, err, quota.ErrEmptyBundleTable)
				assert.Equal(t, StateFailed, res.State)
				assert.Empty(t, h.remediate.fetched)
			})
		}
	}
}

func TestRunMalformedRecordFailsDetection(t *testing.T) {
	h := newHarness(t, []quota.Subscriber{{ID: "9", OnFileQuota: "lots"}})
	res, err := h.engine.Run(context.Background(), ModeAuto)
	var invalid *quota.InvalidRecordError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "9", invalid.SubscriberID)
	assert.Equal(t, StateFailed, res.State)
}

func TestRunSourceErrors(t *testing.T) {
	boom := errors.New("boom")

	h := newHarness(t, nil)
	h.engine.Subscribers = staticSubscribers{err: boom}
	_, err := h.engine.Run(context.Background(), ModeAuto)
	assert.ErrorIs(t, err, boom)

	h = newHarness(t, nil)
	h.engine.Bundles = staticBundles{err: boom}
	_, err = h.engine.Run(context.Background(), ModeAuto)
	assert.ErrorIs(t, err, boom)
}

func TestRunNegativeCutoff(t *testing.T) {
	h := newHarness(t, mismatched(1))
	h.engine.Cutoff = -1
	res, err := h.engine.Run(context.Background(), ModeAuto)
	assert.ErrorIs(t, err, ErrInvalidCutoff)
	assert.Equal(t, StateFailed, res.State)
}

func TestRunCanceledDuringRemediation(t *testing.T) {
	h := newHarness(t, mismatched(2))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.engine.Run(ctx, ModeAuto)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, res.State)
	assert.Empty(t, h.remediate.fetched)
}
