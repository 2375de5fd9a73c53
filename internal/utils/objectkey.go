// Package utils provides small helpers shared by the pipelines.
package utils

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// ObjectSuffix marks the payload chain: plain SQL dump, gzipped, encrypted.
const ObjectSuffix = ".sql.gz.enc"

// timestampLen is the length of the key's time component,
// 2006-01-02T15-04-05-000Z.
const timestampLen = 24

// BackupObjectKey builds the object key for one run:
// {instance}/{db}/{timestamp}.sql.gz.enc. The timestamp has millisecond
// precision so every run gets a fresh key, and the prefix groups a
// database's history for listing.
func BackupObjectKey(instanceID, dbName string, ts time.Time) string {
	return HistoryPrefix(instanceID, dbName) + formatTimestamp(ts) + ObjectSuffix
}

// HistoryPrefix is the listing prefix for one database's backups.
func HistoryPrefix(instanceID, dbName string) string {
	return fmt.Sprintf("%s/%s/", instanceID, dbName)
}

// formatTimestamp uses dashes instead of colons for object-store and
// filesystem compatibility, with milliseconds always three digits.
func formatTimestamp(ts time.Time) string {
	t := ts.UTC()
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s-%03dZ", t.Format("2006-01-02T15-04-05"), ms)
}

// ParseObjectKeyTime extracts the run timestamp from a backup object key.
// Used to order a prefix listing and to age objects for retention.
func ParseObjectKeyTime(key string) (time.Time, error) {
	name := path.Base(key)
	name = strings.TrimSuffix(name, ObjectSuffix)

	if len(name) != timestampLen || !strings.HasSuffix(name, "Z") || name[19] != '-' {
		return time.Time{}, fmt.Errorf("key %q has no parsable timestamp", key)
	}

	datePart := name[:19]  // 2006-01-02T15-04-05
	msPart := name[20:23]  // 000

	var ms int
	if _, err := fmt.Sscanf(msPart, "%d", &ms); err != nil {
		return time.Time{}, fmt.Errorf("key %q has invalid milliseconds: %w", key, err)
	}

	t, err := time.ParseInLocation("2006-01-02T15-04-05", datePart, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("key %q has invalid timestamp: %w", key, err)
	}

	return t.Add(time.Duration(ms) * time.Millisecond), nil
}
