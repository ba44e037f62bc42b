package enclave_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"privrelay/internal/domain"
	"privrelay/internal/enclave"
	"privrelay/internal/payload"
)

func newFakeEnclave(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("STARTED")) })
	r.Get("/publickey", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"keys": []string{"AQID", "BAUG"}})
	})
	r.Post("/addRecipient", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Payload   []byte `json:"payload"`
			Recipient string `json:"recipientKey"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, err := payload.Decode(body.Payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"recipientBox": []byte("sealed-for-" + body.Recipient)})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	srv := newFakeEnclave(t)
	c := enclave.NewClient(srv.URL+"/", time.Second)

	require.NoError(t, c.Status(ctx))

	keys, err := c.PublicKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.PublicKey{"\x01\x02\x03", "\x04\x05\x06"}, keys)

	p := domain.EncodedPayload{SenderKey: "s", CipherText: []byte("c"), PrivacyMode: domain.StandardPrivate}
	box, err := c.CreateNewRecipientBox(ctx, p, domain.PublicKey("\x01\x02\x03"))
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed-for-AQID"), box)
}

func TestClient_Unavailable(t *testing.T) {
	srv := newFakeEnclave(t)
	srv.Close()
	c := enclave.NewClient(srv.URL, time.Second)
	assert.ErrorIs(t, c.Status(context.Background()), domain.ErrStoreUnavailable)
}

func TestStatic(t *testing.T) {
	s := enclave.Static{Keys: []domain.PublicKey{"k"}}
	keys, err := s.PublicKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.PublicKey{"k"}, keys)
	_, err = s.CreateNewRecipientBox(context.Background(), domain.EncodedPayload{}, "r")
	assert.True(t, errors.Is(err, enclave.ErrUnsupported))
}
