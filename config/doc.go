// Package config loads and validates the echomux server configuration.
//
// Configuration is a single YAML file. Environment references of the form
// ${VAR} are expanded before parsing, unknown keys are rejected, and zero
// values fall back to development-friendly defaults:
//
//	endpoint:
//	  prefix: echomux
//	  address: 127.0.0.1
//	nats:
//	  urls: ["nats://127.0.0.1:4222"]
//	server:
//	  session_count: 256
//	  owner_quota: 4
//	gateway:
//	  enabled: true
//	  listen: 127.0.0.1:8080
//	log:
//	  level: info
//	  format: text
package config
