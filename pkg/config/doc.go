// Package config loads the hub configuration.
//
// Configuration is read from a YAML file on top of built-in defaults, then
// PROPBUS_* environment variables override individual fields:
//
//	PROPBUS_SOCKET           hub.socket_path
//	PROPBUS_LOG_LEVEL        logging.level
//	PROPBUS_LOG_FORMAT       logging.format
//	PROPBUS_PROTOCOL_LOG     logging.protocol_log
//	PROPBUS_PERSISTENCE_DIR  persistence.dir
//	PROPBUS_ALLOCATION_UNIT  shared_memory.allocation_unit
//	PROPBUS_SETTLE_TIMEOUT   client.settle_timeout
//
// The package also builds the slog logger and the protocol capture
// described by the logging section.
package config
