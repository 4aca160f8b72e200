// Package config loads the converge configuration file.
//
// A file is YAML (.yaml, .yml) or TOML (.toml). Values not present in the
// file keep their defaults, CONVERGE_* environment variables override both,
// and the result is validated with struct tags before use:
//
//	sources: [/srv/states, /srv/shared]
//	renderer: auto
//	runtime: parallel
//	max_parallel: 8
//	cache_dir: /var/cache/converge
//	state_db: /var/lib/converge/history.db
//	policies:
//	  enabled: true
//	  paths: [/etc/converge/policies]
//	telemetry:
//	  logging:
//	    level: debug
//	    format: json
//
// The same file in TOML:
//
//	sources = ["/srv/states", "/srv/shared"]
//	runtime = "serial"
//
//	[policies]
//	enabled = true
//
// List overrides such as CONVERGE_SOURCES are comma separated.
package config
