package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/serviceuser/internal/apperror"
	"github.com/sakif/serviceuser/internal/handler"
	"github.com/sakif/serviceuser/internal/model"
)

const (
	oldHex = "1111111111111111111111111111111111111111"
	newHex = "2222222222222222222222222222222222222222"
)

type MockPublisher struct {
	Published []model.RefUpdate
}

func (m *MockPublisher) Publish(_ context.Context, ev model.RefUpdate) {
	m.Published = append(m.Published, ev)
}

type MockValidator struct {
	Captured  *model.RefUpdate
	ReturnErr error
}

func (m *MockValidator) ValidatePush(_ context.Context, ev model.RefUpdate) error {
	m.Captured = &ev
	return m.ReturnErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) handler.ErrorResponse {
	t.Helper()
	var body handler.ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return body
}

func TestHookHandler_HandleRefUpdated(t *testing.T) {
	t.Run("publishes a valid notification", func(t *testing.T) {
		pub := &MockPublisher{}
		h := handler.NewHookHandler(pub, &MockValidator{}, testLogger())

		body := `{"origin":"peer-1","project":"plugins/foo","refName":"refs/heads/main","oldId":"` + oldHex + `","newId":"` + newHex + `"}`
		req := httptest.NewRequest(http.MethodPost, "/hooks/ref-updated", bytes.NewBufferString(body))
		rr := httptest.NewRecorder()

		h.HandleRefUpdated(rr, req)

		assert.Equal(t, http.StatusAccepted, rr.Code)
		require.Len(t, pub.Published, 1)
		ev := pub.Published[0]
		assert.Equal(t, "peer-1", ev.Origin)
		assert.Equal(t, "plugins/foo", ev.Project)
		assert.Equal(t, "refs/heads/main", ev.RefName)
		assert.Equal(t, oldHex, ev.OldID.String())
		assert.Equal(t, newHex, ev.NewID.String())
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		pub := &MockPublisher{}
		h := handler.NewHookHandler(pub, &MockValidator{}, testLogger())

		req := httptest.NewRequest(http.MethodPost, "/hooks/ref-updated", bytes.NewBufferString(`{not json`))
		rr := httptest.NewRecorder()

		h.HandleRefUpdated(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Empty(t, pub.Published)
	})

	t.Run("rejects a bad object id", func(t *testing.T) {
		pub := &MockPublisher{}
		h := handler.NewHookHandler(pub, &MockValidator{}, testLogger())

		body := `{"project":"p","refName":"refs/heads/main","newId":"xyz"}`
		req := httptest.NewRequest(http.MethodPost, "/hooks/ref-updated", bytes.NewBufferString(body))
		rr := httptest.NewRecorder()

		h.HandleRefUpdated(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "newId", decodeError(t, rr).Field)
		assert.Empty(t, pub.Published)
	})
}

func TestHookHandler_HandleValidate(t *testing.T) {
	body := `{"project":"plugins/foo","refName":"refs/heads/main","oldId":"` + oldHex + `","newId":"` + newHex + `"}`

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{
			name:       "accepted",
			wantStatus: http.StatusOK,
		},
		{
			name:       "policy violation",
			err:        apperror.PolicyViolation("commit 2222222 rejected: the creator of service user bot <bot@example.com> is not active"),
			wantStatus: http.StatusForbidden,
			wantType:   "policy_violation",
		},
		{
			name:       "internal error fails closed",
			err:        apperror.Internal("commit 2222222 rejected: internal error while checking service user policy", apperror.IO("lookup", nil)),
			wantStatus: http.StatusInternalServerError,
			wantType:   "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &MockValidator{ReturnErr: tt.err}
			h := handler.NewHookHandler(&MockPublisher{}, v, testLogger())

			req := httptest.NewRequest(http.MethodPost, "/hooks/validate", bytes.NewBufferString(body))
			rr := httptest.NewRecorder()

			h.HandleValidate(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			require.NotNil(t, v.Captured)
			assert.Equal(t, "plugins/foo", v.Captured.Project)

			if tt.err == nil {
				var res handler.ValidateResponse
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
				assert.True(t, res.Accepted)
				return
			}
			resp := decodeError(t, rr)
			assert.Equal(t, tt.wantType, resp.Error)
			assert.Equal(t, tt.err.Error(), resp.Message)
		})
	}
}

func TestHandleHealth(t *testing.T) {
	rr := httptest.NewRecorder()
	handler.HandleHealth(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
}
