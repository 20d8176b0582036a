package directory

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"module_vali/internal/config"
	"module_vali/internal/dataType"
	"module_vali/internal/rpc"
)

func testPeers() []config.Peer {
	return []config.Peer{
		{Name: "model.a", Address: "0.0.0.0:5001", Key: "key-a", UID: 1},
		{Name: "model.b", Address: "http://127.0.0.1:5002/", Key: "key-b", UID: 2},
		{Name: "agent.c", Address: "127.0.0.1:5003"},
		{Name: "broken", Address: "nowhere"},
	}
}

func newDirectory(t *testing.T, reg Registry, mutate func(*config.MainConfig)) (*Directory, *clockwork.FakeClock) {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clock := clockwork.NewFakeClock()
	return New(reg, &cfg, clock, nil), clock
}

func TestRefreshCanonicalizesAndReverseLookup(t *testing.T) {
	d, _ := newDirectory(t, NewStaticRegistry(testPeers()), nil)
	require.NoError(t, d.Refresh(context.Background()))

	assert.Equal(t, 3, d.Len(), "invalid addresses are skipped")
	assert.Equal(t, []string{"127.0.0.1:5001", "127.0.0.1:5002", "127.0.0.1:5003"}, d.Addresses())
	assert.Equal(t, []string{"agent.c", "model.a", "model.b"}, d.Names())
	assert.Equal(t, "model.b", d.NameOf("127.0.0.1:5002"))
	assert.Equal(t, "10.1.1.1:9", d.NameOf("10.1.1.1:9"))
	assert.Equal(t, "key-a", d.KeyOf("model.a"))

	name, addr, ok := d.Lookup("model.a")
	assert.True(t, ok)
	assert.Equal(t, "model.a", name)
	assert.Equal(t, "127.0.0.1:5001", addr)

	name, _, ok = d.Lookup("http://127.0.0.1:5003")
	assert.True(t, ok)
	assert.Equal(t, "agent.c", name)

	_, _, ok = d.Lookup("model.z")
	assert.False(t, ok)
}

func TestRefreshAppliesSearch(t *testing.T) {
	d, _ := newDirectory(t, NewStaticRegistry(testPeers()), func(c *config.MainConfig) { c.Search = "model" })
	require.NoError(t, d.Refresh(context.Background()))
	assert.Equal(t, []string{"model.a", "model.b"}, d.Names())
}

func TestNeedsSync(t *testing.T) {
	d, clock := newDirectory(t, NewStaticRegistry(testPeers()), nil)
	assert.True(t, d.NeedsSync(time.Minute))
	require.NoError(t, d.Refresh(context.Background()))
	assert.False(t, d.NeedsSync(time.Minute))
	clock.Advance(61 * time.Second)
	assert.True(t, d.NeedsSync(time.Minute))
}

func TestMustResolveEmptyDirectory(t *testing.T) {
	d, _ := newDirectory(t, NewStaticRegistry(nil), nil)
	err := d.MustResolve(context.Background(), true)
	assert.True(t, errors.Is(err, ErrEmptyDirectory))
	assert.NoError(t, d.MustResolve(context.Background(), false))
}

type failingRegistry struct{ StaticRegistry }

func (f *failingRegistry) ResolveNamespace(context.Context, string, string, int) (map[string]string, error) {
	return nil, errors.New("registry down")
}

func TestRefreshErrorKeepsPreviousMapping(t *testing.T) {
	static := NewStaticRegistry(testPeers())
	d, _ := newDirectory(t, static, nil)
	require.NoError(t, d.Refresh(context.Background()))

	d.registry = &failingRegistry{}
	assert.Error(t, d.Refresh(context.Background()))
	assert.Equal(t, 3, d.Len())
}

func TestStaticRegistryVotes(t *testing.T) {
	reg := NewStaticRegistry(testPeers())
	uids, err := reg.Key2UID(context.Background(), "local", 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"key-a": 1, "key-b": 2}, uids)

	_, err = reg.SubmitVote(context.Background(), dataType.VotePayload{Keys: []string{"a"}}, "local", 0)
	assert.True(t, errors.Is(err, dataType.ErrPayloadMismatch))

	receipt, err := reg.SubmitVote(context.Background(), dataType.VotePayload{Keys: []string{"a"}, Weights: []float64{1}, UIDs: []int{1}}, "local", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, receipt)
	assert.Len(t, reg.Votes(), 1)
}

func TestHTTPRegistry(t *testing.T) {
	var voted voteRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/namespace", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "subspace", r.URL.Query().Get("network"))
		assert.Equal(t, "3", r.URL.Query().Get("netuid"))
		json.NewEncoder(w).Encode(map[string]string{"model.a": "127.0.0.1:5001"})
	})
	mux.HandleFunc("/key2uid", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]int{"key-a": 4})
	})
	mux.HandleFunc("/name2key", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"model.a": "key-a"})
	})
	mux.HandleFunc("/vote", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !rpc.Verify("s3cret", body, r.Header.Get(rpc.SignatureHeader)) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		require.NoError(t, json.Unmarshal(body, &voted))
		if len(voted.UIDs) == 0 {
			json.NewEncoder(w).Encode(voteResponse{Success: false, Message: "empty vote"})
			return
		}
		json.NewEncoder(w).Encode(voteResponse{Success: true, Receipt: "r-1"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	reg := NewHTTPRegistry(srv.URL+"/", "vali", "s3cret", time.Second)

	ns, err := reg.ResolveNamespace(ctx, "", "subspace", 3)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"model.a": "127.0.0.1:5001"}, ns)

	uids, err := reg.Key2UID(ctx, "subspace", 3)
	require.NoError(t, err)
	assert.Equal(t, 4, uids["key-a"])

	keys, err := reg.Name2Key(ctx, "", "subspace", 3)
	require.NoError(t, err)
	assert.Equal(t, "key-a", keys["model.a"])

	receipt, err := reg.SubmitVote(ctx, dataType.VotePayload{Keys: []string{"key-a"}, Weights: []float64{0.5}, UIDs: []int{4}}, "subspace", 3)
	require.NoError(t, err)
	assert.Equal(t, "r-1", receipt)
	assert.Equal(t, []int{4}, voted.UIDs)
	assert.Equal(t, 3, voted.Subnet)
	assert.Equal(t, "vali", voted.Key)

	_, err = reg.SubmitVote(ctx, dataType.VotePayload{}, "subspace", 3)
	assert.True(t, errors.Is(err, ErrVoteRejected))

	bad := NewHTTPRegistry(srv.URL, "vali", "wrong", time.Second)
	_, err = bad.SubmitVote(ctx, dataType.VotePayload{Keys: []string{"k"}, Weights: []float64{1}, UIDs: []int{1}}, "subspace", 3)
	assert.True(t, errors.Is(err, rpc.ErrStatus))
}
