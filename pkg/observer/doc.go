// Package observer turns cluster watch streams into the loop's event sequence.
//
// Every event gets a sequence number from one counter shared by the node and
// pod streams, and the resource version parsed as a revision. On
// resubscription the listed objects are replayed as additions and anything
// missing from the list is removed with a synthetic event, so a dropped watch
// never leaves a ghost unit behind.
package observer
