package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPServerTimeoutsCoverBothDirections(t *testing.T) {
	s := &Server{}
	srv := s.newHTTPServer()

	require.Equal(t, 60*time.Second, srv.ReadTimeout)
	require.Equal(t, 60*time.Second, srv.WriteTimeout)
	require.Equal(t, 60*time.Second, srv.IdleTimeout)
	require.Equal(t, 65*time.Second, srv.ReadHeaderTimeout)
}
