// Package config provides configuration management.
//
// The config package loads application settings from YAML files and
// environment defaults using viper: server transport, logging, session
// retention policy, supervisor budgets, backend selection and per-language
// image overrides.
package config
