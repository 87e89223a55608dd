package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContext_Missing(t *testing.T) {
	_, err := FromContext(context.Background())
	assert.Error(t, err)

	_, err = FromContext(WithCompanyID(context.Background(), ""))
	assert.Error(t, err)
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	parent = WithCompanyID(parent, "acme")
	parent = WithRequestID(parent, "req-1")
	parent = WithMessageID(parent, "m-1")
	cancel()

	detached := Detach(parent)
	require.NoError(t, detached.Err())
	_, hasDeadline := detached.Deadline()
	assert.False(t, hasDeadline)

	company, err := FromContext(detached)
	require.NoError(t, err)
	assert.Equal(t, "acme", company)

	requestID, err := FromRequestIDContext(detached)
	require.NoError(t, err)
	assert.Equal(t, "req-1", requestID)

	messageID, err := FromMessageIDContext(detached)
	require.NoError(t, err)
	assert.Equal(t, "m-1", messageID)
}
