package api

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"roost/services/distributed"
	"roost/services/inventory"
)

const inventoryQueryInterval = 1001

var decorators = map[string]any{
	"load": []string{
		"SELECT computer_name FROM system_info",
		"SELECT hostname FROM system_info",
		"SELECT hardware_model FROM system_info",
		"SELECT hardware_serial FROM system_info",
		"SELECT uuid AS host_uuid FROM system_info",
		"SELECT name AS os_name FROM os_version",
	},
}

var defaultOsqueryOptions = map[string]any{
	"logger_snapshot_event_type": true,
}

// loadOsqueryOptions reads the osquery options document. Without a file the
// defaults apply.
func loadOsqueryOptions(path string) (map[string]any, error) {
	if path == "" {
		return defaultOsqueryOptions, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read osquery options: %w", err)
	}
	options := map[string]any{}
	if err := yaml.Unmarshal(raw, &options); err != nil {
		return nil, fmt.Errorf("parse osquery options: %w", err)
	}
	return options, nil
}

// buildOsqueryConfig assembles the configuration document for one machine:
// the scheduled inventory snapshot query, decorators and options.
func (a *API) buildOsqueryConfig(snapshot *inventory.Snapshot) map[string]any {
	schedule := map[string]any{
		distributed.InventoryQueryName: map[string]any{
			"query":    distributed.InventoryQuery(snapshot.Tree),
			"snapshot": true,
			"interval": inventoryQueryInterval,
		},
	}
	return map[string]any{
		"schedule":   schedule,
		"decorators": decorators,
		"options":    a.osqueryOptions,
	}
}
