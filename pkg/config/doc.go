// Package config loads the cubeharvest YAML configuration.
//
// A file only needs the keys it changes; everything else keeps the values
// from Default. Unknown keys are an error so typos do not pass silently.
//
//	game:
//	  starting_credits: 200
//	  cost_step: 10
//	  tick: 500ms
//	chaos:
//	  enabled: true
//	  min_interval: 10s
//	  max_interval: 30s
//
// The game and chaos sections can be changed while the server runs; Watch
// reports each valid revision of the file. Other sections are read at startup.
package config
