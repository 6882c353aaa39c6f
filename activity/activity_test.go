package activity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltLogAppendAndList(t *testing.T) {
	log, err := OpenBoltLog(filepath.Join(t.TempDir(), "activity.db"), nil)
	require.NoError(t, err)
	defer log.Close()

	log.Emit(KindCertificateCreated, map[string]string{"fingerprint": "aa11"}, "api")
	log.Emit(KindCertificateRenewed, map[string]string{"fingerprint": "bb22"}, "scheduler")
	log.Emit(KindDeployFailed, nil, "")

	events, err := log.List(0)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Newest first.
	assert.Equal(t, KindDeployFailed, events[0].Kind)
	assert.Equal(t, KindCertificateRenewed, events[1].Kind)
	assert.Equal(t, "scheduler", events[1].Actor)
	assert.Contains(t, string(events[1].Payload), "bb22")
	assert.Equal(t, KindCertificateCreated, events[2].Kind)

	limited, err := log.List(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestFanOut(t *testing.T) {
	var got []string
	sink := FanOut{
		Func(func(kind string, _ any, _ string) { got = append(got, "a:"+kind) }),
		Func(func(kind string, _ any, _ string) { got = append(got, "b:"+kind) }),
	}
	sink.Emit(KindWatcherReload, nil, "")
	assert.Equal(t, []string{"a:watcher-reload", "b:watcher-reload"}, got)
}
