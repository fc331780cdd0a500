package handlers

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/procflow/common/engine"
	"github.com/lyzr/procflow/common/store"
)

func TestMapEngineError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"not found", fmt.Errorf("load model order: %w", store.ErrNotFound), http.StatusNotFound},
		{"ambiguous", store.ErrAmbiguous, http.StatusConflict},
		{"invalid state", fmt.Errorf("instance wf-1 is running: %w", engine.ErrInvalidState), http.StatusConflict},
		{"unclassified", fmt.Errorf("connection reset"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			httpErr, ok := mapEngineError(tc.err).(*echo.HTTPError)
			require.True(t, ok)
			assert.Equal(t, tc.code, httpErr.Code)
		})
	}
}
