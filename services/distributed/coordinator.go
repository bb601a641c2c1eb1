package distributed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"roost/pkg/events"
	"roost/services/inventory"
)

// Query key naming. Inventory refresh keys carry the table name after the
// prefix; probe keys end with "_<probe id>".
const (
	InventoryQueryName   = "__roost_inventory_query__"
	InventoryQueryPrefix = "__roost_distributed_inventory_query_"

	maxProbeAge = 24 * time.Hour
)

// InvalidStatusCodeError rejects one result item whose status cannot be
// interpreted. The rest of the batch is still processed.
type InvalidStatusCodeError struct {
	Key   string
	Value any
}

func (e *InvalidStatusCodeError) Error() string {
	return fmt.Sprintf("invalid status code %v for query %q", e.Value, e.Key)
}

// IsInvalidStatusCode reports whether err is an InvalidStatusCodeError.
func IsInvalidStatusCode(err error) bool {
	var ie *InvalidStatusCodeError
	return errors.As(err, &ie)
}

// Coordinator hands probes out to devices and collects their results.
type Coordinator struct {
	orm       *gorm.DB
	registry  *Registry
	inventory *inventory.Store
	emitter   events.Emitter
	logger    *log.Logger
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(orm *gorm.DB, registry *Registry, inv *inventory.Store, emitter events.Emitter, logger *log.Logger) (*Coordinator, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if inv == nil {
		return nil, errors.New("inventory store is required")
	}
	if emitter == nil {
		return nil, errors.New("emitter is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{orm: orm, registry: registry, inventory: inv, emitter: emitter, logger: logger}, nil
}

// Pull returns the distributed queries for one device: inventory refresh
// queries where the current snapshot is incomplete, plus every probe not yet
// delivered to the device. Delivery is recorded on pull, so each probe
// reaches a device at most once. On a key collision the probe wins and the
// inventory query waits for the next pull.
func (c *Coordinator) Pull(ctx context.Context, snapshot *inventory.Snapshot) (map[string]string, error) {
	if snapshot == nil {
		return nil, errors.New("snapshot is required")
	}

	probes, err := c.undeliveredProbes(ctx, snapshot.SerialNumber)
	if err != nil {
		return nil, err
	}
	queries := make(map[string]string, len(probes))
	for _, probe := range probes {
		queries[ProbeKey(probe)] = probe.Query
	}

	for key, query := range refreshQueries(snapshot.Tree) {
		if _, taken := queries[key]; taken {
			c.logger.Printf("WARN: inventory query %q shadowed by a probe for %s", key, snapshot.SerialNumber)
			continue
		}
		queries[key] = query
	}

	return queries, nil
}

// undeliveredProbes claims every live probe the device has not seen yet. The
// delivery row is created first; only rows this call created count, so two
// concurrent pulls cannot both hand out the same probe.
func (c *Coordinator) undeliveredProbes(ctx context.Context, serialNumber string) ([]Probe, error) {
	cutoff := time.Now().UTC().Add(-maxProbeAge)

	var candidates []probeModel
	err := c.orm.WithContext(ctx).
		Where("created_at > ?", cutoff).
		Order("id").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	var claimed []Probe
	for _, model := range candidates {
		delivery := probeDeliveryModel{ProbeID: model.ID, SerialNumber: serialNumber}
		res := c.orm.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "probe_id"}, {Name: "serial_number"}},
				DoNothing: true,
			}).
			Create(&delivery)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			claimed = append(claimed, model.toAPI())
		}
	}
	return claimed, nil
}

// PushResult summarises one result batch.
type PushResult struct {
	ProbeResults  int
	InventoryRows int
	Rejected      []error
}

// Push processes a distributed write: query probe results become one batched
// distributed_query_result event, carve probe results one batched file_carve
// event, and inventory-prefixed results are merged and committed as a new
// snapshot. Malformed items are rejected individually and the batch
// continues.
func (c *Coordinator) Push(ctx context.Context, snapshot *inventory.Snapshot, queries map[string][]map[string]string, statuses map[string]any, meta events.RequestMetadata) (*PushResult, error) {
	if snapshot == nil {
		return nil, errors.New("snapshot is required")
	}

	keys := make([]string, 0, len(queries))
	for key := range queries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := &PushResult{}
	var queryPayloads, carvePayloads []map[string]any
	var inventoryRows []map[string]string

	for _, key := range keys {
		rows := queries[key]

		status, err := parseStatus(key, statuses[key])
		if err != nil {
			c.logger.Printf("WARN: %v (device %s)", err, snapshot.SerialNumber)
			result.Rejected = append(result.Rejected, err)
			continue
		}

		if table, ok := strings.CutPrefix(key, InventoryQueryPrefix); ok {
			if status != 0 {
				c.logger.Printf("WARN: inventory refresh %q failed with status %d on %s", table, status, snapshot.SerialNumber)
				continue
			}
			inventoryRows = append(inventoryRows, rows...)
			continue
		}

		probe, err := c.resolveProbe(ctx, key)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, errUnparsableKey) {
				c.logger.Printf("WARN: unknown probe for result key %q from %s", key, snapshot.SerialNumber)
				continue
			}
			return nil, err
		}

		payload := map[string]any{
			"probe": map[string]any{"id": probe.ID, "name": probe.Name, "kind": probe.Kind},
		}
		switch {
		case status > 0:
			payload["error"] = true
			payload["status"] = status
		case len(rows) == 0:
			payload["empty"] = true
		default:
			payload["rows"] = rows
		}
		if probe.Kind == KindCarve {
			carvePayloads = append(carvePayloads, payload)
		} else {
			queryPayloads = append(queryPayloads, payload)
		}
		result.ProbeResults++
	}

	for _, batch := range []struct {
		typ      string
		payloads []map[string]any
	}{
		{events.TypeDistributedQueryResult, queryPayloads},
		{events.TypeFileCarve, carvePayloads},
	} {
		if len(batch.payloads) == 0 {
			continue
		}
		if err := c.emitter.Post(ctx, batch.typ, snapshot.SerialNumber, meta, nil, batch.payloads); err != nil {
			c.logger.Printf("WARN: post %s results for %s: %v", batch.typ, snapshot.SerialNumber, err)
		}
	}

	if len(inventoryRows) > 0 {
		tree, stats := inventory.MergeRows(snapshot.Tree, inventoryRows)
		for key, count := range stats.Duplicates {
			c.logger.Printf("WARN: %d duplicate %s rows from %s", count, key, snapshot.SerialNumber)
		}
		if _, err := c.inventory.Commit(ctx, snapshot.SerialNumber, snapshot.Reference, tree); err != nil {
			return nil, err
		}
		result.InventoryRows = len(inventoryRows)
	}

	return result, nil
}

var errUnparsableKey = errors.New("unparsable probe key")

// ProbeKey is the distributed query key under which a probe is delivered.
func ProbeKey(probe Probe) string {
	return fmt.Sprintf("%s_%d", probe.Name, probe.ID)
}

func (c *Coordinator) resolveProbe(ctx context.Context, key string) (*Probe, error) {
	idx := strings.LastIndex(key, "_")
	if idx < 0 || idx == len(key)-1 {
		return nil, errUnparsableKey
	}
	id, err := strconv.ParseInt(key[idx+1:], 10, 64)
	if err != nil {
		return nil, errUnparsableKey
	}
	return c.registry.ProbeByID(ctx, id)
}

// parseStatus interprets an osquery result status. Missing means success;
// zero is success, positive is a query error. Anything else is rejected.
func parseStatus(key string, raw any) (int, error) {
	var status int
	switch value := raw.(type) {
	case nil:
		return 0, nil
	case int:
		status = value
	case float64:
		status = int(value)
		if float64(status) != value {
			return 0, &InvalidStatusCodeError{Key: key, Value: raw}
		}
	case string:
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return 0, &InvalidStatusCodeError{Key: key, Value: raw}
		}
		status = parsed
	default:
		return 0, &InvalidStatusCodeError{Key: key, Value: raw}
	}
	if status < 0 {
		return 0, &InvalidStatusCodeError{Key: key, Value: raw}
	}
	return status, nil
}

// Inventory query texts, keyed by table name. Each statement tags its rows
// with a table_name column for the snapshot merge.
var inventoryQueryTexts = [][2]string{
	{"os_version", "select 'os_version' as table_name, name, major, minor, patch, build from os_version;"},
	{"system_info", "select 'system_info' as table_name, computer_name, hostname, hardware_model, hardware_serial, cpu_type, cpu_brand, physical_memory from system_info;"},
	{"uptime", "select 'uptime' as table_name, total_seconds from uptime;"},
	{"network_interface", "select 'network_interface' as table_name, id.interface, id.mac, ia.address, ia.mask, ia.broadcast from interface_details as id, interface_addresses as ia where ia.interface = id.interface and ia.broadcast > '';"},
}

const (
	debPackagesQuery = "select 'deb_packages' as table_name, name, version from deb_packages;"
	osxAppsQuery     = "select 'apps' as table_name, bundle_identifier as bundle_id, bundle_name, bundle_version, bundle_short_version as bundle_version_str, path as bundle_path from apps;"
)

func inventoryQueriesForTree(tree map[string]any) [][2]string {
	queries := make([][2]string, 0, len(inventoryQueryTexts)+1)
	queries = append(queries, inventoryQueryTexts...)
	switch platformForTree(tree) {
	case "macos":
		queries = append(queries, [2]string{"apps", osxAppsQuery})
	case "deb":
		queries = append(queries, [2]string{"deb_packages", debPackagesQuery})
	}
	return queries
}

func platformForTree(tree map[string]any) string {
	osName := ""
	if version, ok := tree["os_version"].(map[string]any); ok {
		osName, _ = version["name"].(string)
	}
	osName = strings.ToLower(osName)
	switch {
	case strings.Contains(osName, "mac") || strings.Contains(osName, "darwin"):
		return "macos"
	case strings.Contains(osName, "ubuntu") || strings.Contains(osName, "debian"):
		return "deb"
	default:
		return ""
	}
}

// InventoryQuery is the scheduled snapshot query for a machine: the
// platform-appropriate inventory statements concatenated into one entry.
func InventoryQuery(tree map[string]any) string {
	var sb strings.Builder
	for _, entry := range inventoryQueriesForTree(tree) {
		sb.WriteString(entry[1])
	}
	return sb.String()
}

// refreshQueries returns the distributed inventory queries for a device whose
// current snapshot tree is incomplete: no os_version yet, or no application
// inventory for its platform.
func refreshQueries(tree map[string]any) map[string]string {
	_, hasOSVersion := tree["os_version"]
	_, hasApps := tree["osx_app_instances"]
	_, hasDebs := tree["deb_packages"]

	platform := platformForTree(tree)
	complete := hasOSVersion &&
		(platform != "macos" || hasApps) &&
		(platform != "deb" || hasDebs)

	queries := map[string]string{}
	if complete {
		return queries
	}
	for _, entry := range inventoryQueriesForTree(tree) {
		queries[InventoryQueryPrefix+entry[0]] = entry[1]
	}
	return queries
}
