// Package config loads relayhub settings from YAML.
//
// Values are layered: built-in defaults, then the file, then RELAYHUB_*
// environment variables. Validate reports every problem in one error, so a
// broken file can be fixed in a single pass.
//
// The storage section picks the device repository:
//
//	storage:
//	  driver: sqlite     # sqlite, mongodb or memory
//	registry:
//	  slider_policy: reject
//	dispatch:
//	  enabled: true
//	  timeout: 3000      # ms per attempt
//	  retries: 1
//
// Keep broker passwords and InfluxDB tokens in the environment
// (RELAYHUB_MQTT_PASSWORD, RELAYHUB_INFLUXDB_TOKEN) rather than the file.
package config
