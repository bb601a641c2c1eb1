package distributed

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"roost/pkg/db/migrations"
	"roost/pkg/events"
	"roost/services/inventory"
)

type coordinatorTestEnv struct {
	coordinator *Coordinator
	registry    *Registry
	inventory   *inventory.Store
	recorder    *events.Recorder
	orm         *gorm.DB
}

func newCoordinatorTestEnv(t *testing.T) coordinatorTestEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:distributed-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	orm, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = orm.AutoMigrate(
		&probeModel{},
		&probeDeliveryModel{},
		&migrations.Snapshot{},
		&migrations.SnapshotCurrent{},
		&migrations.Audit{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	recorder := &events.Recorder{}
	store, err := inventory.NewStore(orm, recorder, nil)
	if err != nil {
		t.Fatalf("inventory.NewStore: %v", err)
	}
	registry, err := NewRegistry(orm)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	coordinator, err := NewCoordinator(orm, registry, store, recorder, nil)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return coordinatorTestEnv{coordinator: coordinator, registry: registry, inventory: store, recorder: recorder, orm: orm}
}

func (env coordinatorTestEnv) enroll(t *testing.T, serial string) *inventory.Snapshot {
	t.Helper()
	snapshot, _, err := env.inventory.Enroll(context.Background(), inventory.EnrollOptions{SerialNumber: serial})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	return snapshot
}

var testMeta = events.RequestMetadata{UserAgent: "osquery/5.10", PublicIP: "198.51.100.7"}

func TestPullDeliversProbeOnce(t *testing.T) {
	ctx := context.Background()
	env := newCoordinatorTestEnv(t)
	snapshot := env.enroll(t, "C02AAA")

	probe, err := env.registry.CreateProbe(ctx, "suspicious-launchd", KindQuery, "SELECT * FROM launchd;")
	if err != nil {
		t.Fatalf("CreateProbe: %v", err)
	}

	first, err := env.coordinator.Pull(ctx, snapshot)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if _, ok := first[ProbeKey(*probe)]; !ok {
		t.Fatalf("first pull missing probe key, got %v", first)
	}

	second, err := env.coordinator.Pull(ctx, snapshot)
	if err != nil {
		t.Fatalf("second Pull: %v", err)
	}
	if _, ok := second[ProbeKey(*probe)]; ok {
		t.Error("probe delivered twice to the same device")
	}

	// A different device still gets it.
	other := env.enroll(t, "C02BBB")
	third, err := env.coordinator.Pull(ctx, other)
	if err != nil {
		t.Fatalf("Pull for other device: %v", err)
	}
	if _, ok := third[ProbeKey(*probe)]; !ok {
		t.Error("probe not delivered to second device")
	}
}

func TestPullSkipsStaleProbes(t *testing.T) {
	ctx := context.Background()
	env := newCoordinatorTestEnv(t)
	snapshot := env.enroll(t, "C02AAA")

	probe, err := env.registry.CreateProbe(ctx, "old-probe", KindQuery, "SELECT 1;")
	if err != nil {
		t.Fatalf("CreateProbe: %v", err)
	}
	stale := time.Now().UTC().Add(-25 * time.Hour)
	if err := env.orm.Model(&probeModel{}).Where("id = ?", probe.ID).Update("created_at", stale).Error; err != nil {
		t.Fatalf("age probe: %v", err)
	}

	queries, err := env.coordinator.Pull(ctx, snapshot)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if _, ok := queries[ProbeKey(*probe)]; ok {
		t.Error("stale probe delivered")
	}
}

func TestPullInventoryRefreshForNewMachine(t *testing.T) {
	ctx := context.Background()
	env := newCoordinatorTestEnv(t)
	snapshot := env.enroll(t, "C02AAA")

	queries, err := env.coordinator.Pull(ctx, snapshot)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	for _, table := range []string{"os_version", "system_info", "uptime", "network_interface"} {
		if _, ok := queries[InventoryQueryPrefix+table]; !ok {
			t.Errorf("missing refresh query for %s", table)
		}
	}
}

func TestPullPlatformRefresh(t *testing.T) {
	tests := []struct {
		name      string
		osName    string
		wantTable string
	}{
		{"macos wants apps", "macOS", "apps"},
		{"ubuntu wants deb packages", "Ubuntu", "deb_packages"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env := newCoordinatorTestEnv(t)
			snapshot := env.enroll(t, "C02AAA")

			tree := map[string]any{"os_version": map[string]any{"name": tt.osName}}
			snapshot, err := env.inventory.Commit(ctx, "C02AAA", snapshot.Reference, tree)
			if err != nil {
				t.Fatalf("Commit: %v", err)
			}

			queries, err := env.coordinator.Pull(ctx, snapshot)
			if err != nil {
				t.Fatalf("Pull: %v", err)
			}
			if _, ok := queries[InventoryQueryPrefix+tt.wantTable]; !ok {
				t.Errorf("missing %s refresh, got %v", tt.wantTable, queries)
			}
			for key := range queries {
				if !strings.HasPrefix(key, InventoryQueryPrefix) {
					t.Errorf("unexpected query %q", key)
				}
			}
		})
	}
}

func TestPushBatchesProbeResults(t *testing.T) {
	ctx := context.Background()
	env := newCoordinatorTestEnv(t)
	snapshot := env.enroll(t, "C02AAA")

	good1, err := env.registry.CreateProbe(ctx, "probe-one", KindQuery, "SELECT 1;")
	if err != nil {
		t.Fatalf("CreateProbe: %v", err)
	}
	good2, err := env.registry.CreateProbe(ctx, "probe-two", KindQuery, "SELECT 2;")
	if err != nil {
		t.Fatalf("CreateProbe: %v", err)
	}

	queries := map[string][]map[string]string{
		ProbeKey(*good1): {{"path": "/tmp/x"}},
		ProbeKey(*good2): {},
		"bad-status_999": {{"ignored": "row"}},
	}
	statuses := map[string]any{
		ProbeKey(*good1): "0",
		ProbeKey(*good2): 0,
		"bad-status_999": "not-a-number",
	}

	result, err := env.coordinator.Push(ctx, snapshot, queries, statuses, testMeta)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if result.ProbeResults != 2 {
		t.Errorf("probe results = %d, want 2", result.ProbeResults)
	}
	if len(result.Rejected) != 1 || !IsInvalidStatusCode(result.Rejected[0]) {
		t.Errorf("rejected = %v, want one InvalidStatusCodeError", result.Rejected)
	}

	posted := env.recorder.ByType(events.TypeDistributedQueryResult)
	if len(posted) != 1 {
		t.Fatalf("events = %d, want a single batched event", len(posted))
	}
	if len(posted[0].Payloads) != 2 {
		t.Errorf("payloads = %d, want 2", len(posted[0].Payloads))
	}
}

func TestPullProbeAlongsideRefreshQueries(t *testing.T) {
	ctx := context.Background()
	env := newCoordinatorTestEnv(t)
	snapshot := env.enroll(t, "C02AAA")

	probe, err := env.registry.CreateProbe(ctx, "suspicious-launchd", KindQuery, "SELECT * FROM launchd;")
	if err != nil {
		t.Fatalf("CreateProbe: %v", err)
	}

	// Incomplete tree, so refresh queries ride along with the probe.
	first, err := env.coordinator.Pull(ctx, snapshot)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if _, ok := first[ProbeKey(*probe)]; !ok {
		t.Fatalf("probe lost among refresh queries, got %v", first)
	}
	if _, ok := first[InventoryQueryPrefix+"os_version"]; !ok {
		t.Errorf("missing refresh query, got %v", first)
	}

	second, err := env.coordinator.Pull(ctx, snapshot)
	if err != nil {
		t.Fatalf("second Pull: %v", err)
	}
	if _, ok := second[ProbeKey(*probe)]; ok {
		t.Error("probe delivered twice")
	}
	if _, ok := second[InventoryQueryPrefix+"os_version"]; !ok {
		t.Error("refresh queries gone before the tree is complete")
	}
}

func TestPushRoutesCarveResultsToFileCarveStream(t *testing.T) {
	ctx := context.Background()
	env := newCoordinatorTestEnv(t)
	snapshot := env.enroll(t, "C02AAA")

	query, err := env.registry.CreateProbe(ctx, "list-users", KindQuery, "SELECT * FROM users;")
	if err != nil {
		t.Fatalf("CreateProbe: %v", err)
	}
	carveProbe, err := env.registry.CreateProbe(ctx, "grab-sshd-config", KindCarve, "SELECT * FROM carves WHERE path = '/etc/ssh/sshd_config' AND carve = 1;")
	if err != nil {
		t.Fatalf("CreateProbe: %v", err)
	}

	queries := map[string][]map[string]string{
		ProbeKey(*query):      {{"username": "root"}},
		ProbeKey(*carveProbe): {{"carve_guid": "c4rv3-guid"}},
	}
	statuses := map[string]any{
		ProbeKey(*query):      0,
		ProbeKey(*carveProbe): 0,
	}

	result, err := env.coordinator.Push(ctx, snapshot, queries, statuses, testMeta)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if result.ProbeResults != 2 {
		t.Errorf("probe results = %d, want 2", result.ProbeResults)
	}

	queryEvents := env.recorder.ByType(events.TypeDistributedQueryResult)
	if len(queryEvents) != 1 || len(queryEvents[0].Payloads) != 1 {
		t.Fatalf("query result events = %v", queryEvents)
	}
	carveEvents := env.recorder.ByType(events.TypeFileCarve)
	if len(carveEvents) != 1 || len(carveEvents[0].Payloads) != 1 {
		t.Fatalf("file carve events = %v", carveEvents)
	}
	probeInfo, _ := carveEvents[0].Payloads[0]["probe"].(map[string]any)
	if probeInfo["kind"] != KindCarve {
		t.Errorf("carve payload probe = %v", probeInfo)
	}
}

func TestPushUnknownProbeSkipped(t *testing.T) {
	ctx := context.Background()
	env := newCoordinatorTestEnv(t)
	snapshot := env.enroll(t, "C02AAA")

	queries := map[string][]map[string]string{"ghost_424242": {{"a": "b"}}}
	result, err := env.coordinator.Push(ctx, snapshot, queries, map[string]any{"ghost_424242": 0}, testMeta)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if result.ProbeResults != 0 {
		t.Errorf("probe results = %d, want 0", result.ProbeResults)
	}
	if got := len(env.recorder.ByType(events.TypeDistributedQueryResult)); got != 0 {
		t.Errorf("events = %d, want 0", got)
	}
}

func TestPushErrorStatusPayload(t *testing.T) {
	ctx := context.Background()
	env := newCoordinatorTestEnv(t)
	snapshot := env.enroll(t, "C02AAA")

	probe, err := env.registry.CreateProbe(ctx, "failing", KindQuery, "SELECT broken;")
	if err != nil {
		t.Fatalf("CreateProbe: %v", err)
	}

	queries := map[string][]map[string]string{ProbeKey(*probe): {}}
	statuses := map[string]any{ProbeKey(*probe): 1}
	if _, err := env.coordinator.Push(ctx, snapshot, queries, statuses, testMeta); err != nil {
		t.Fatalf("Push: %v", err)
	}

	posted := env.recorder.ByType(events.TypeDistributedQueryResult)
	if len(posted) != 1 || len(posted[0].Payloads) != 1 {
		t.Fatalf("unexpected events: %v", posted)
	}
	payload := posted[0].Payloads[0]
	if payload["error"] != true {
		t.Errorf("payload = %v, want error flag", payload)
	}
}

func TestPushCommitsInventoryRows(t *testing.T) {
	ctx := context.Background()
	env := newCoordinatorTestEnv(t)
	snapshot := env.enroll(t, "C02AAA")

	key := InventoryQueryPrefix + "os_version"
	queries := map[string][]map[string]string{
		key: {{"table_name": "os_version", "name": "Ubuntu", "major": "22", "minor": "04"}},
	}

	result, err := env.coordinator.Push(ctx, snapshot, queries, map[string]any{key: "0"}, testMeta)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if result.InventoryRows != 1 {
		t.Errorf("inventory rows = %d, want 1", result.InventoryRows)
	}

	current, err := env.inventory.CurrentBySerial(ctx, "C02AAA")
	if err != nil {
		t.Fatalf("CurrentBySerial: %v", err)
	}
	version, _ := current.Tree["os_version"].(map[string]any)
	if version["name"] != "Ubuntu" {
		t.Errorf("os_version = %v", current.Tree["os_version"])
	}
}
