/*
Package config loads and validates the daemon configuration.

Configuration comes from environment variables (HUB_URL, HUB_TOKEN,
BATCH_SIZE, ...), optionally layered over a YAML file passed with
--config. Environment variables always win. Load returns an error for any
configuration the daemon cannot run with; these are the only errors that
terminate the process at startup.
*/
package config
