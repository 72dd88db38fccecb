package policy

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func TestDefaults_AreValid(t *testing.T) {
	for _, p := range Defaults() {
		assert.NoError(t, p.Validate(), p.Name)
	}
}

func TestChatbotTiers_ShareWindowAndScaleMax(t *testing.T) {
	table := DefaultTable()
	plans := []Plan{PlanFree, PlanBasic, PlanPro, PlanEnterprise}

	var prev Policy
	for i, plan := range plans {
		p, err := table.Chatbot(plan)
		require.NoError(t, err)
		if i > 0 {
			assert.Equal(t, prev.Window, p.Window)
			assert.Greater(t, p.Max, prev.Max)
		}
		prev = p
	}
}

func TestChatbot_UnknownPlanGetsFreeTier(t *testing.T) {
	table := DefaultTable()

	for _, plan := range []Plan{"", "platinum", "unlimited"} {
		p, err := table.Chatbot(plan)
		assert.ErrorIs(t, err, ErrPolicyNotFound)
		assert.Equal(t, ChatbotFree, p.Name)
	}

	p, err := table.Chatbot("PRO")
	require.NoError(t, err)
	assert.Equal(t, ChatbotPro, p.Name)
}

func TestChatbot_UnknownPlanGetsStrictestTierAfterOverride(t *testing.T) {
	loosened := Policy{Name: ChatbotFree, Max: 5000, Window: 24 * time.Hour, Message: "free"}
	table, err := NewTable(append(Defaults(), loosened)...)
	require.NoError(t, err)

	p, err := table.Chatbot("bogus")
	assert.ErrorIs(t, err, ErrPolicyNotFound)
	assert.Equal(t, ChatbotBasic, p.Name)
	assert.Equal(t, int64(100), p.Max)

	free, err := table.Chatbot(PlanFree)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), free.Max)
}

func TestLookup_MissReturnsMostRestrictive(t *testing.T) {
	table := DefaultTable()

	p, err := table.Lookup("DOES_NOT_EXIST")
	assert.ErrorIs(t, err, ErrPolicyNotFound)
	assert.Equal(t, table.MostRestrictive(), p)

	for _, other := range table.All() {
		assert.False(t, other.stricterThan(p), "%s is stricter than %s", other.Name, p.Name)
	}
}

func TestMostRestrictive_LargeOverrideIsNotStrictest(t *testing.T) {
	huge := Policy{Name: Invitations, Max: MaxActions, Window: time.Second, Message: "x"}
	want := DefaultTable().MostRestrictive()

	for i := 0; i < 20; i++ {
		table, err := NewTable(append(Defaults(), huge)...)
		require.NoError(t, err)
		assert.Equal(t, want.Name, table.MostRestrictive().Name)

		p, err := table.Lookup("UNKNOWN")
		assert.ErrorIs(t, err, ErrPolicyNotFound)
		assert.NotEqual(t, Invitations, p.Name)
	}

	_, err := NewTable(append(Defaults(), Policy{Name: Invitations, Max: 106751991167301, Window: time.Hour})...)
	assert.Error(t, err)
}

func TestMostRestrictive_TiesBreakOnName(t *testing.T) {
	for i := 0; i < 20; i++ {
		table, err := NewTable(
			Policy{Name: "B", Max: 10, Window: time.Minute},
			Policy{Name: "A", Max: 10, Window: time.Minute},
			Policy{Name: "C", Max: 10, Window: time.Minute},
		)
		require.NoError(t, err)
		assert.Equal(t, "A", table.MostRestrictive().Name)
	}
}

func TestLookup_CaseInsensitive(t *testing.T) {
	p, err := DefaultTable().Lookup("api_general")
	require.NoError(t, err)
	assert.Equal(t, APIGeneral, p.Name)
}

func TestNewTable_Validation(t *testing.T) {
	tests := []struct {
		name string
		p    Policy
	}{
		{"no name", Policy{Max: 1, Window: time.Second}},
		{"zero max", Policy{Name: "X", Max: 0, Window: time.Second}},
		{"sub-second window", Policy{Name: "X", Max: 1, Window: time.Millisecond}},
		{"max too large", Policy{Name: "X", Max: MaxActions + 1, Window: time.Second}},
		{"window too long", Policy{Name: "X", Max: 1, Window: MaxWindow + time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(tt.p)
			assert.Error(t, err)
		})
	}

	_, err := NewTable()
	assert.Error(t, err)
}

func TestNewTable_LaterEntriesOverride(t *testing.T) {
	table, err := NewTable(append(Defaults(), Policy{Name: APIGeneral, Max: 5, Window: time.Minute, Message: "custom"})...)
	require.NoError(t, err)

	p, err := table.Lookup(APIGeneral)
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.Max)
	assert.Equal(t, "custom", p.Message)
}

// fakeKV is an in-memory KV honoring WithPrefix.
type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeKV() *fakeKV { return &fakeKV{data: map[string]string{}} }

func (f *fakeKV) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	op := clientv3.OpGet(key, opts...)
	end := string(op.RangeBytes())
	var keys []string
	for k := range f.data {
		if k == key || (end != "" && k >= key && k < end) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	resp := &clientv3.GetResponse{}
	for _, k := range keys {
		resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: []byte(f.data[k])})
	}
	resp.Count = int64(len(resp.Kvs))
	return resp, nil
}

func (f *fakeKV) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = val
	return &clientv3.PutResponse{}, nil
}

func (f *fakeKV) Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &clientv3.DeleteResponse{}
	if _, ok := f.data[key]; ok {
		delete(f.data, key)
		resp.Deleted = 1
	}
	return resp, nil
}

func TestEtcdSource_RoundTripAndLoadTable(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	src := NewEtcdSource(kv, "/tamandu/policies")

	require.NoError(t, src.Put(ctx, Policy{Name: "plagiarism_check", Max: 3, Window: 2 * time.Hour, Message: "slow down"}, time.Now()))

	got, ok, err := src.Get(ctx, PlagiarismCheck)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), got.Max)
	assert.Equal(t, 2*time.Hour, got.Window)

	// Garbage and unknown names are skipped, not fatal.
	kv.data["/tamandu/policies/FILE_UPLOAD"] = "{not json"
	kv.data["/tamandu/policies/MADE_UP"] = `{"max":1,"window_seconds":60}`

	table, skipped, err := LoadTable(ctx, src)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"FILE_UPLOAD", "MADE_UP"}, skipped)

	p, err := table.Lookup(PlagiarismCheck)
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.Max)

	p, err = table.Lookup(FileUpload)
	require.NoError(t, err)
	assert.Equal(t, int64(20), p.Max)

	deleted, err := src.Delete(ctx, PlagiarismCheck)
	require.NoError(t, err)
	assert.True(t, deleted)
	_, ok, err = src.Get(ctx, PlagiarismCheck)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEtcdSource_PutRejectsInvalid(t *testing.T) {
	src := NewEtcdSource(newFakeKV(), "/p/")

	err := src.Put(context.Background(), Policy{Name: "NOPE", Max: 1, Window: time.Minute}, time.Now())
	assert.ErrorIs(t, err, ErrPolicyNotFound)

	err = src.Put(context.Background(), Policy{Name: APIGeneral, Max: 0, Window: time.Minute}, time.Now())
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "max"))
}

func TestLoadTable_NilSourceUsesDefaults(t *testing.T) {
	table, skipped, err := LoadTable(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, skipped)
	assert.Len(t, table.All(), len(Defaults()))
}
