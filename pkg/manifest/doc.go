// Package manifest renders AstroUnit pods from a YAML template.
//
// The embedded template can be replaced with a file; a replacement must keep
// the pod name, the unit-type label and, for miners, the TARGET env var on the
// first container, since the observer derives game state from them.
package manifest
