package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/clisession/internal/model"
	"github.com/sshcollectorpro/clisession/pkg/keepalive"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(Config{Path: filepath.Join(t.TempDir(), "journal.db")}, logrus.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestListenerEvents(t *testing.T) {
	j := openTest(t)
	var l keepalive.ReconnectListener = j

	l.OnDisconnected("R1", errors.New("EOF"))
	l.OnReconnecting("R1", errors.New("EOF"), 1)
	l.OnStatusUpdate("R1", keepalive.StatusReconnected)
	l.OnFailedConnection("R2", errors.New("auth"))

	events, err := j.Events(context.Background(), "R1", 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, model.EventStatus, events[0].Event)
	assert.Equal(t, "reconnected", events[0].Status)
	assert.Equal(t, 1, events[1].Attempt)
	assert.Equal(t, "EOF", events[2].Message)

	events, err = j.Events(context.Background(), "R1", 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.NoError(t, j.Health())
}

func TestAuditAndPrune(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()

	require.NoError(t, j.Audit(ctx, &model.CommandAudit{DeviceID: "R1", Command: "show version", Kind: "show", Success: true}))
	require.NoError(t, j.Audit(ctx, &model.CommandAudit{DeviceID: "R1", Command: "bogus", Kind: "write", Error: "% Invalid input"}))

	audits, err := j.Audits(ctx, "R1", 0)
	require.NoError(t, err)
	require.Len(t, audits, 2)
	assert.Equal(t, "bogus", audits[0].Command)

	n, err := j.Prune(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	audits, err = j.Audits(ctx, "R1", 0)
	require.NoError(t, err)
	assert.Empty(t, audits)
}
