// Package config handles loading and parsing of configuration from YAML files
// and environment variables. It defines the balancer's backend pool, health
// check and cooldown timings, statistics capacity and logging settings, and
// validates them before the process starts serving.
package config
