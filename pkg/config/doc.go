// Package config holds the daemon configuration and the CUE schemas warden
// validates instance data against.
//
// # Daemon configuration
//
// Config is read from YAML on top of DefaultConfig and checked with validator
// struct tags:
//
//	data_dir: /var/lib/warden
//	instances_dir: instances     # relative to data_dir
//	macros_dir: macros
//	events:
//	  capacity: 1024
//	sandbox:
//	  host: local                # or runner
//	  runner_path: /usr/local/bin/warden-runner
//	  call_timeout: 5s
//	  memory_limit_pages: 256
//	  policy_dir: policies
//	macro:
//	  retention: 30s
//	store:
//	  enabled: true
//	  path: events.db
//	telemetry:
//	  logging:
//	    level: info
//
// # Schemas
//
// SchemaRegistry compiles CUE schemas once and validates values through their
// JSON form. The built-in "instance" schema defines #InstanceConfig, which every
// persisted instance configuration must satisfy.
//
// A generic package may ship a CUE file constraining its setup answers. The
// answers are unified with the file's #Settings definition, or with the whole
// file if it has none:
//
//	#Settings: {
//		server: {
//			max_players: int & >=1 & <=64
//			motd?:       string
//		}
//	}
//
// Errors are returned as ValidationErrors carrying the failing path and source
// position.
package config
