package common

import "time"

// FileTimestamp orders exported files by creation time
const FileTimestamp = "20060102-150405"

// FormatFileTimestamp formats t for use in exported file names
func FormatFileTimestamp(t time.Time) string {
	return t.Format(FileTimestamp)
}
