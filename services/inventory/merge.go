package inventory

import (
	"encoding/json"
	"sort"
	"strconv"
)

// Inventory query table names, as reported in the table_name column of each
// result row.
const (
	tableOSVersion        = "os_version"
	tableSystemInfo       = "system_info"
	tableUptime           = "uptime"
	tableNetworkInterface = "network_interface"
	tableDebPackages      = "deb_packages"
	tableApps             = "apps"
)

// Tree keys produced by the merge.
const (
	treeKeyOSVersion         = "os_version"
	treeKeySystemInfo        = "system_info"
	treeKeySystemUptime      = "system_uptime"
	treeKeyNetworkInterfaces = "network_interfaces"
	treeKeyDebPackages       = "deb_packages"
	treeKeyOSXAppInstances   = "osx_app_instances"
)

var appAttributes = []string{"bundle_id", "bundle_name", "bundle_version", "bundle_version_str"}

// MergeStats describes what MergeRows dropped. Callers log non-zero counts.
type MergeStats struct {
	Duplicates map[string]int // tree key -> structurally identical rows dropped
	Invalid    int            // rows dropped for missing or unparseable fields
	Unknown    int            // rows with an unrecognised table_name
}

// MergeRows folds a batch of inventory query result rows into a copy of the
// snapshot tree. The multi-valued lists are deduplicated and canonically
// ordered, so any permutation of the same batch yields an identical tree.
func MergeRows(tree map[string]any, rows []map[string]string) (map[string]any, MergeStats) {
	out := make(map[string]any, len(tree)+6)
	for k, v := range tree {
		out[k] = v
	}
	stats := MergeStats{Duplicates: map[string]int{}}

	lists := map[string][]map[string]any{}

	for _, row := range rows {
		table := row["table_name"]
		cleaned := cleanRow(row)

		switch table {
		case tableOSVersion:
			if len(cleaned) > 0 {
				out[treeKeyOSVersion] = cleaned
			}
		case tableSystemInfo:
			if len(cleaned) > 0 {
				out[treeKeySystemInfo] = cleaned
			}
		case tableUptime:
			seconds, err := strconv.Atoi(row["total_seconds"])
			if err != nil || seconds <= 0 {
				stats.Invalid++
				continue
			}
			out[treeKeySystemUptime] = seconds
		case tableNetworkInterface:
			if len(cleaned) == 0 {
				stats.Invalid++
				continue
			}
			lists[treeKeyNetworkInterfaces] = append(lists[treeKeyNetworkInterfaces], cleaned)
		case tableDebPackages:
			if len(cleaned) == 0 {
				stats.Invalid++
				continue
			}
			lists[treeKeyDebPackages] = append(lists[treeKeyDebPackages], cleaned)
		case tableApps:
			instance, ok := appInstance(cleaned)
			if !ok {
				stats.Invalid++
				continue
			}
			lists[treeKeyOSXAppInstances] = append(lists[treeKeyOSXAppInstances], instance)
		default:
			stats.Unknown++
		}
	}

	for key, items := range lists {
		canonical, duplicates := canonicalize(items)
		out[key] = canonical
		if duplicates > 0 {
			stats.Duplicates[key] = duplicates
		}
	}

	return out, stats
}

// cleanRow drops the table_name discriminator and every empty value.
func cleanRow(row map[string]string) map[string]any {
	cleaned := make(map[string]any, len(row))
	for k, v := range row {
		if k == "table_name" || v == "" {
			continue
		}
		cleaned[k] = v
	}
	return cleaned
}

// appInstance pairs an application descriptor with its bundle path. Rows
// missing either side are unusable.
func appInstance(row map[string]any) (map[string]any, bool) {
	path, ok := row["bundle_path"].(string)
	if !ok || path == "" {
		return nil, false
	}

	app := map[string]any{}
	for _, attr := range appAttributes {
		if v, ok := row[attr]; ok {
			app[attr] = v
		}
	}
	if len(app) == 0 {
		return nil, false
	}

	return map[string]any{"app": app, "bundle_path": path}, true
}

// canonicalize deduplicates items by structural equality and orders them by
// their canonical JSON serialization.
func canonicalize(items []map[string]any) ([]any, int) {
	seen := make(map[string]struct{}, len(items))
	keys := make([]string, 0, len(items))
	duplicates := 0

	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			continue
		}
		key := string(raw)
		if _, dup := seen[key]; dup {
			duplicates++
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]any, 0, len(keys))
	for _, key := range keys {
		var item any
		if err := json.Unmarshal([]byte(key), &item); err != nil {
			continue
		}
		out = append(out, item)
	}
	return out, duplicates
}

// RowsFromAny coerces decoded JSON result rows into string-valued rows,
// stringifying numbers the way osquery reports them.
func RowsFromAny(rows []any) []map[string]string {
	out := make([]map[string]string, 0, len(rows))
	for _, raw := range rows {
		decoded, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		row := make(map[string]string, len(decoded))
		for k, v := range decoded {
			switch value := v.(type) {
			case string:
				row[k] = value
			case float64:
				row[k] = strconv.FormatFloat(value, 'f', -1, 64)
			case bool:
				row[k] = strconv.FormatBool(value)
			}
		}
		out = append(out, row)
	}
	return out
}
