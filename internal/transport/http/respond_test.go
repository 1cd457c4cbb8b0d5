package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tradepulse/engine/internal/apperr"
)

func TestWriteError_StatusMapping(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{apperr.Unauthorizedf("bad token"), http.StatusUnauthorized, "unauthorized"},
		{apperr.BadRequestf("missing symbol"), http.StatusBadRequest, "bad_request"},
		{apperr.Conflictf("already open"), http.StatusConflict, "conflict"},
		{apperr.NotFoundf("gone"), http.StatusNotFound, "not_found"},
		{apperr.InvalidStatef("closed"), http.StatusUnprocessableEntity, "invalid_state"},
		{apperr.Upstreamf("db down"), http.StatusServiceUnavailable, "upstream_unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, tc.err)

		if rec.Code != tc.wantStatus {
			t.Errorf("%v: status = %d, want %d", tc.err, rec.Code, tc.wantStatus)
		}

		var body errorBody
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("%v: invalid JSON body: %v", tc.err, err)
		}
		if body.Error.Code != tc.wantCode {
			t.Errorf("%v: code = %s, want %s", tc.err, body.Error.Code, tc.wantCode)
		}
	}
}

func TestWriteError_InternalHidesDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, errors.New("pq: password authentication failed"))

	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Message != "internal error" {
		t.Errorf("internal error leaked details: %q", body.Error.Message)
	}
}
