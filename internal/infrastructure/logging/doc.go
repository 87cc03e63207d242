// Package logging builds relayhub's slog logger.
//
// Every entry carries service and version fields. Output goes to stdout,
// stderr or a lumberjack-rotated file:
//
//	logging:
//	  level: info        # debug, info, warn, error
//	  format: json       # json, text
//	  output: file
//	  file:
//	    path: ./logs/relayhub.log
//	    max_size: 100    # megabytes
//	    max_backups: 5
//	    max_age: 30      # days
//
// The Logger satisfies the small Logger interfaces declared by the device,
// devicesync, dispatch and mqtt packages, so those packages never import
// this one.
//
// Never log broker passwords or InfluxDB tokens.
package logging
