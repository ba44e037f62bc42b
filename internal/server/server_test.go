package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"privrelay/internal/db"
	"privrelay/internal/domain"
	"privrelay/internal/enclave"
	"privrelay/internal/events"
	"privrelay/internal/migrate"
	"privrelay/internal/party"
	"privrelay/internal/payload"
	"privrelay/internal/privacygroup"
	"privrelay/internal/recovery"
	"privrelay/internal/repo"
	"privrelay/internal/resolver"
	relaysdk "privrelay/sdk/go"
)

var (
	alice = domain.PublicKey("alice-public-key")
	bob   = domain.PublicKey("bob-public-key")
	carol = domain.PublicKey("carol-public-key")
)

type recordingPublisher struct {
	mu       sync.Mutex
	refuse   domain.PublicKey
	pushes   int
	payloads []domain.PublicKey
	groups   []domain.PublicKey
}

func (p *recordingPublisher) PublishBatch(_ context.Context, recipient domain.PublicKey, payloads []domain.EncodedPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes++
	for range payloads {
		p.payloads = append(p.payloads, recipient)
	}
	return nil
}

func (p *recordingPublisher) PublishPrivacyGroup(_ context.Context, _ []byte, recipient domain.PublicKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if recipient == p.refuse {
		return errors.New("connection refused")
	}
	p.groups = append(p.groups, recipient)
	return nil
}

type testServer struct {
	URL       string
	Repo      repo.Repo
	Publisher *recordingPublisher
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	r := repo.Repo{DB: conn}
	ev := events.Writer{DB: conn}
	pub := &recordingPublisher{refuse: carol}
	keys := enclave.Static{Keys: []domain.PublicKey{alice}}
	groups := privacygroup.NewManager(privacygroup.Config{Store: r, Publisher: pub, Keys: keys, Events: ev, Log: zerolog.Nop()})
	dir, err := party.NewDirectory(r, groups, 16)
	require.NoError(t, err)
	resend := recovery.NewBatchResendManager(recovery.ManagerConfig{
		Transactions: r,
		Staging:      r,
		Factory: &recovery.WorkflowFactory{
			Directory:    dir,
			Enclave:      keys,
			Transactions: r,
			Publisher:    pub,
			Log:          zerolog.Nop(),
		},
		Events:     ev,
		Log:        zerolog.Nop(),
		MaxResults: 2,
	})
	handler, err := New(Config{
		Auth:      auth,
		Repo:      r,
		Resend:    resend,
		Groups:    groups,
		Resolver:  &resolver.Resolver{Store: r, Events: ev, Log: zerolog.Nop()},
		MaxPasses: 10,
		Events:    ev,
		Log:       zerolog.Nop(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, Repo: r, Publisher: pub}
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func encodePayload(t *testing.T, cipher string, deps ...domain.TxHash) ([]byte, domain.TxHash) {
	t.Helper()
	p := domain.EncodedPayload{
		SenderKey:      bob,
		CipherText:     []byte(cipher),
		RecipientKeys:  []domain.PublicKey{alice},
		RecipientBoxes: [][]byte{[]byte("box")},
		PrivacyMode:    domain.StandardPrivate,
	}
	if len(deps) > 0 {
		p.AffectedContractTransactions = map[domain.TxHash][]byte{}
		for _, d := range deps {
			p.AffectedContractTransactions[d] = []byte("sec")
		}
	}
	raw, err := payload.Encode(p)
	require.NoError(t, err)
	h, err := payload.Hash(p)
	require.NoError(t, err)
	return raw, h
}

func TestPushBatchResolveAndPromote(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	ctx := context.Background()
	c := relaysdk.New(srv.URL)

	require.NoError(t, c.Upcheck(ctx))

	base, baseHash := encodePayload(t, "base")
	child, _ := encodePayload(t, "child", baseHash)
	orphan, _ := encodePayload(t, "orphan", domain.TxHash("missing"))

	res, err := c.PushBatch(ctx, [][]byte{child, base, orphan})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Stored)

	res, err = c.PushBatch(ctx, [][]byte{base})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Stored)
	assert.Equal(t, 1, res.Duplicates)

	staged, err := c.Staging(ctx, domain.Unresolved, 0)
	require.NoError(t, err)
	require.Len(t, staged, 3)
	assert.Less(t, staged[0].Sequence, staged[1].Sequence)

	resolved, err := c.ResolveStaging(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, resolved.Promoted)
	require.Len(t, resolved.Passes, 1)
	assert.Equal(t, 2, resolved.Passes[0].Valid)

	n, err := srv.Repo.TransactionCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	evts, err := c.Events(ctx, 0, "", 0)
	require.NoError(t, err)
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, events.PushBatchStored)
	assert.Contains(t, types, events.ResolutionPass)
	assert.Contains(t, types, events.TransactionsPromoted)
}

func TestPushBatchRejectsMalformedPayload(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	good, _ := encodePayload(t, "good")

	res, data := doJSON(t, http.MethodPost, srv.URL+"/pushBatch", domain.PushBatchRequest{
		EncodedPayloads: [][]byte{good, []byte(`{"sender":""}`)},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "validation_failed", errorCode(t, data))

	staged, err := srv.Repo.ListStaging(context.Background(), repo.StagingFilters{})
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestResendBatch(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	ctx := context.Background()

	for _, cipher := range []string{"one", "two", "three"} {
		p := domain.EncodedPayload{
			SenderKey:      alice,
			CipherText:     []byte(cipher),
			RecipientKeys:  []domain.PublicKey{bob},
			RecipientBoxes: [][]byte{[]byte("box")},
			PrivacyMode:    domain.StandardPrivate,
		}
		tx, err := payload.ToEncryptedTransaction(p, time.Now())
		require.NoError(t, err)
		_, err = srv.Repo.SaveTransaction(ctx, nil, tx)
		require.NoError(t, err)
	}

	c := relaysdk.New(srv.URL)
	resp, err := c.ResendBatch(ctx, domain.ResendBatchRequest{PublicKey: bob.String(), BatchSize: 100})
	require.NoError(t, err)
	assert.EqualValues(t, 3, resp.Total)
	assert.Len(t, srv.Publisher.payloads, 3)
	// batch size is clamped to the configured max results of 2
	assert.Equal(t, 2, srv.Publisher.pushes)

	res, data := doJSON(t, http.MethodPost, srv.URL+"/resendBatch", map[string]any{"publicKey": "%%%", "batchSize": 1}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "validation_failed", errorCode(t, data))
}

func TestPrivacyGroupRoutes(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	ctx := context.Background()
	c := relaysdk.New(srv.URL)

	g, err := c.CreatePrivacyGroup(ctx, relaysdk.CreateGroupRequest{From: alice, Members: []domain.PublicKey{bob}, Name: "pair"})
	require.NoError(t, err)
	assert.Equal(t, domain.SortKeys([]domain.PublicKey{alice, bob}), g.Members)
	assert.Equal(t, []domain.PublicKey{bob}, srv.Publisher.groups)

	got, err := c.GetPrivacyGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, g.ID, got.ID)

	found, err := c.FindPrivacyGroup(ctx, []domain.PublicKey{bob, alice})
	require.NoError(t, err)
	require.Len(t, found, 1)

	_, err = c.GetPrivacyGroup(ctx, domain.PublicKey("unknown"))
	var apiErr *relaysdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	_, err = c.CreatePrivacyGroup(ctx, relaysdk.CreateGroupRequest{From: bob, Members: []domain.PublicKey{alice}})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	_, err = c.AddMembers(ctx, g.ID, relaysdk.AddMembersRequest{From: alice, Members: []domain.PublicKey{carol}})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	unchanged, err := c.GetPrivacyGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, unchanged.Members, 2)

	deleted, err := c.DeletePrivacyGroup(ctx, relaysdk.DeleteGroupRequest{From: alice, PrivacyGroupID: g.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.GroupDeleted, deleted.State)

	found, err = c.FindPrivacyGroup(ctx, []domain.PublicKey{alice, bob})
	require.NoError(t, err)
	assert.Empty(t, found)

	all, err := c.ListPrivacyGroups(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPushPrivacyGroupIsIdempotent(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	ctx := context.Background()
	c := relaysdk.New(srv.URL)

	g := domain.PrivacyGroup{
		Members: domain.SortKeys([]domain.PublicKey{alice, bob}),
		Seed:    []byte("seed"),
		Type:    domain.PantheonGroup,
		State:   domain.GroupActive,
	}
	id, err := privacygroup.GroupID(g.Members, g.Seed)
	require.NoError(t, err)
	g.ID = id
	encoded, err := privacygroup.Encode(g)
	require.NoError(t, err)

	require.NoError(t, c.PushPrivacyGroup(ctx, encoded))
	require.NoError(t, c.PushPrivacyGroup(ctx, encoded))

	evts, err := c.Events(ctx, 0, events.PrivacyGroupStored, 0)
	require.NoError(t, err)
	assert.Len(t, evts, 1)

	err = c.PushPrivacyGroup(ctx, []byte("not a group"))
	var apiErr *relaysdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestAuthMiddleware(t *testing.T) {
	const secret = "network-secret"
	srv := newTestServer(t, AuthConfig{JWTSecret: secret, Required: true})
	ctx := context.Background()

	res, _ := doJSON(t, http.MethodGet, srv.URL+"/upcheck", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, http.MethodGet, srv.URL+"/staging", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, data = doJSON(t, http.MethodGet, srv.URL+"/staging", nil, map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "http://node-b",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	c := relaysdk.New(srv.URL)
	c.BearerToken = token
	_, err = c.Staging(ctx, "", 0)
	require.NoError(t, err)

	require.NoError(t, srv.Repo.InsertPeerKey(ctx, nil, domain.PeerKey{
		ID:      "pk-1",
		PeerKey: bob.String(),
		KeyHash: repo.HashPeerKey("peer-secret"),
	}))
	keyed := relaysdk.New(srv.URL)
	keyed.APIKey = "peer-secret"
	_, err = keyed.Events(ctx, 0, "", 5)
	require.NoError(t, err)

	keyed.APIKey = "wrong"
	_, err = keyed.Events(ctx, 0, "", 5)
	var apiErr *relaysdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestParseGroupID(t *testing.T) {
	raw := domain.PublicKey([]byte{0xfb, 0xff, 0x01})
	for _, in := range []string{raw.String(), relaysdk.PathID(raw)} {
		got, err := parseGroupID(in)
		require.NoError(t, err, in)
		assert.Equal(t, raw, got)
	}
	_, err := parseGroupID("")
	assert.Error(t, err)
}

func TestHandleError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&domain.ValidationError{Field: "publicKey", Reason: "bad"}, http.StatusBadRequest},
		{domain.Unavailable("store", errors.New("disk")), http.StatusServiceUnavailable},
		{repo.ErrNotFound, http.StatusNotFound},
		{privacygroup.ErrPublish, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		se := handleError(tc.err)
		assert.Equal(t, tc.status, se.GetStatus(), tc.err.Error())
	}
}
