// Package config loads the ShopAssist YAML configuration, fills in defaults,
// applies secret overrides from the environment and validates the result
// before any component is constructed.
package config
