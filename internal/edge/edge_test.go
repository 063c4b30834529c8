package edge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-census/internal/testutil"
)

// writeRecording creates name under dir with the given content and age.
func writeRecording(t *testing.T, dir, name, content string, age time.Duration, now time.Time) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	mt := now.Add(-age)
	require.NoError(t, os.Chtimes(p, mt, mt))
	return p
}

func writeSidecar(t *testing.T, recPath string, sc *Sidecar) {
	t.Helper()
	data, err := json.Marshal(sc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(sidecarPath(recPath), data, 0o600))
}

var sampleSidecar = &Sidecar{
	Latitude:     testutil.Ptr(60.17),
	Longitude:    testutil.Ptr(24.94),
	LocationName: testutil.Ptr("Vanhankaupunginlahti"),
	Duration:     testutil.Ptr(60.0),
	Metadata:     map[string]any{"gain": 12.0},
}
