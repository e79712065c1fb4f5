package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"gopherex.com/booksync/pkg/xerr"
)

func TestMapErr(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   int
	}{
		{"canceled", context.Canceled, http.StatusServiceUnavailable, CodeUnavailable},
		{"deadline wrapped", fmt.Errorf("view: %w", context.DeadlineExceeded), http.StatusServiceUnavailable, CodeUnavailable},
		{"malformed", xerr.NewErrCode(xerr.MalformedMessage), http.StatusBadRequest, xerr.MalformedMessage},
		{"fetch failed", xerr.Wrap(errors.New("eof"), xerr.SnapshotFetchFailed, "fetch"), http.StatusServiceUnavailable, xerr.SnapshotFetchFailed},
		{"exhausted", xerr.NewErrCode(xerr.ResyncExhausted), http.StatusServiceUnavailable, xerr.ResyncExhausted},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, code, msg := mapErr(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, code)
			assert.NotEmpty(t, msg)
		})
	}
}
