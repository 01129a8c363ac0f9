package signaling

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandError_ChannelGone(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusNotFound, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusConflict, false},
		{http.StatusInternalServerError, false},
		{0, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := &CommandError{ChannelID: "ch-1", Op: "hangup", StatusCode: tt.status, Err: errors.New("rejected")}
			assert.Equal(t, tt.want, err.ChannelGone())
		})
	}
}
