package inventory

import (
	"math/rand"
	"reflect"
	"testing"
)

func inventoryRows() []map[string]string {
	return []map[string]string{
		{"table_name": "os_version", "name": "Ubuntu", "major": "22", "minor": "04", "patch": "", "build": ""},
		{"table_name": "system_info", "computer_name": "web-1", "hardware_serial": "C02AAA", "cpu_brand": ""},
		{"table_name": "uptime", "total_seconds": "86400"},
		{"table_name": "network_interface", "interface": "eth0", "mac": "aa:bb:cc:dd:ee:ff", "address": "10.0.0.5"},
		{"table_name": "network_interface", "interface": "eth1", "mac": "aa:bb:cc:dd:ee:00", "address": "10.0.1.5"},
		{"table_name": "deb_packages", "name": "openssh-server", "version": "1:8.9p1"},
		{"table_name": "deb_packages", "name": "curl", "version": "7.81.0"},
	}
}

func TestMergeRowsSingleValuedTables(t *testing.T) {
	tree, stats := MergeRows(map[string]any{"serial_number": "C02AAA"}, inventoryRows())

	wantOS := map[string]any{"name": "Ubuntu", "major": "22", "minor": "04"}
	if got := tree["os_version"]; !reflect.DeepEqual(got, wantOS) {
		t.Errorf("os_version = %v, want %v", got, wantOS)
	}

	wantInfo := map[string]any{"computer_name": "web-1", "hardware_serial": "C02AAA"}
	if got := tree["system_info"]; !reflect.DeepEqual(got, wantInfo) {
		t.Errorf("system_info = %v, want %v", got, wantInfo)
	}

	if got := tree["system_uptime"]; got != 86400 {
		t.Errorf("system_uptime = %v, want 86400", got)
	}
	if got := tree["serial_number"]; got != "C02AAA" {
		t.Errorf("existing tree key lost: serial_number = %v", got)
	}
	if stats.Invalid != 0 || stats.Unknown != 0 {
		t.Errorf("stats = %+v, want no drops", stats)
	}
}

func TestMergeRowsPermutationDeterminism(t *testing.T) {
	rows := inventoryRows()
	base, _ := MergeRows(map[string]any{}, rows)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		shuffled := make([]map[string]string, len(rows))
		copy(shuffled, rows)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})

		got, _ := MergeRows(map[string]any{}, shuffled)
		if !reflect.DeepEqual(got, base) {
			t.Fatalf("permutation %d produced a different tree:\ngot  %v\nwant %v", i, got, base)
		}
	}
}

func TestMergeRowsDeduplicates(t *testing.T) {
	rows := []map[string]string{
		{"table_name": "deb_packages", "name": "curl", "version": "7.81.0"},
		{"table_name": "deb_packages", "name": "curl", "version": "7.81.0"},
		{"table_name": "deb_packages", "name": "curl", "version": "7.81.0"},
		{"table_name": "deb_packages", "name": "jq", "version": "1.6"},
	}

	tree, stats := MergeRows(map[string]any{}, rows)
	packages, ok := tree["deb_packages"].([]any)
	if !ok {
		t.Fatalf("deb_packages = %T, want []any", tree["deb_packages"])
	}
	if len(packages) != 2 {
		t.Errorf("len(deb_packages) = %d, want 2", len(packages))
	}
	if got := stats.Duplicates["deb_packages"]; got != 2 {
		t.Errorf("duplicate count = %d, want 2", got)
	}
}

func TestMergeRowsInvalidUptime(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"negative", "-5"},
		{"zero", "0"},
		{"not a number", "abc"},
		{"missing", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows := []map[string]string{{"table_name": "uptime", "total_seconds": tt.value}}
			tree, stats := MergeRows(map[string]any{}, rows)
			if _, present := tree["system_uptime"]; present {
				t.Error("system_uptime set from invalid row")
			}
			if stats.Invalid != 1 {
				t.Errorf("invalid count = %d, want 1", stats.Invalid)
			}
		})
	}
}

func TestMergeRowsAppInstances(t *testing.T) {
	rows := []map[string]string{
		{"table_name": "apps", "bundle_path": "/Applications/Safari.app", "bundle_name": "Safari", "bundle_version_str": "17.1"},
		{"table_name": "apps", "bundle_name": "Orphan"},                // no bundle_path
		{"table_name": "apps", "bundle_path": "/Applications/X.app"},  // no descriptor
		{"table_name": "unknown_table", "foo": "bar"},
	}

	tree, stats := MergeRows(map[string]any{}, rows)
	instances, ok := tree["osx_app_instances"].([]any)
	if !ok {
		t.Fatalf("osx_app_instances = %T, want []any", tree["osx_app_instances"])
	}
	if len(instances) != 1 {
		t.Fatalf("len(osx_app_instances) = %d, want 1", len(instances))
	}

	instance, _ := instances[0].(map[string]any)
	if got := instance["bundle_path"]; got != "/Applications/Safari.app" {
		t.Errorf("bundle_path = %v", got)
	}
	app, _ := instance["app"].(map[string]any)
	if got := app["bundle_name"]; got != "Safari" {
		t.Errorf("app.bundle_name = %v", got)
	}

	if stats.Invalid != 2 {
		t.Errorf("invalid count = %d, want 2", stats.Invalid)
	}
	if stats.Unknown != 1 {
		t.Errorf("unknown count = %d, want 1", stats.Unknown)
	}
}

func TestComputeDiff(t *testing.T) {
	previous := map[string]any{"a": "1", "b": "2", "c": "3"}
	current := map[string]any{"a": "1", "b": "20", "d": "4"}

	want := map[string]map[string]any{
		"b": {"old": "2", "new": "20"},
		"c": {"old": "3", "new": nil},
		"d": {"old": nil, "new": "4"},
	}
	if got := computeDiff(previous, current); !reflect.DeepEqual(got, want) {
		t.Errorf("computeDiff = %v, want %v", got, want)
	}
}
