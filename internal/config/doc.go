// Package config loads the node configuration from YAML files, environment
// variables and command-line overrides, in the precedence order
// defaults < YAML file < environment < overrides.
package config
