// Package config handles YAML configuration loading.
//
// Values are resolved in this order:
//   - .env files (LoadDotEnv) populate variables not already set
//   - ${VAR} references in the YAML file are expanded
//   - STREAMSUB_* variables override individual fields
//   - Defaults fill whatever is still empty
package config
