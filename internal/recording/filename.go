package recording

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Edge recorders name files <device>_<YYYYmmdd>_<HHMMSS>.<ext>.
var edgeFileName = regexp.MustCompile(`^(.+)_(\d{8}_\d{6})$`)

const edgeTimeLayout = "20060102_150405"

// ParseFileName extracts the device id and UTC recording time from an edge
// recorder file name.
func ParseFileName(name string) (deviceID string, recordedAt time.Time, ok bool) {
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	m := edgeFileName.FindStringSubmatch(base)
	if m == nil {
		return "", time.Time{}, false
	}
	t, err := time.ParseInLocation(edgeTimeLayout, m[2], time.UTC)
	if err != nil {
		return "", time.Time{}, false
	}
	return m[1], t, true
}

// FormatFileName is the inverse of ParseFileName.
func FormatFileName(deviceID string, recordedAt time.Time, ext string) string {
	return deviceID + "_" + recordedAt.UTC().Format(edgeTimeLayout) + "." + strings.TrimPrefix(ext, ".")
}
