// Package pebblelog is the embedded file backend: every partition is an
// eventlog.Log in one pebble database, group positions are eventlog cursors,
// and a janitor applies time and size retention.
//
// Keys owned by a log:
//
//	meta/{id}                      urn, partition count, codec (JSON)
//	log/{id}/p/{part}/m            last sequence
//	log/{id}/p/{part}/e/{seq}      header(appendMs|codec) + payload
//	log/{id}/c/{group urn}/{part}  committed position
//
// Positions are sequences minus one.
package pebblelog
