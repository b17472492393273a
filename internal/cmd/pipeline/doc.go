// Package pipeline holds the CLI commands that run a topology in process,
// on whatever backend the configuration selects.
//
// The demo topology is
//
//	GENERATOR -> demo/generated -> [FILTER -> demo/filtered] -> COUNTER -> demo/counts
//
// where FILTER is only present when a CEL expression is given.
//
//	flostream pipeline run --count 1000 --filter 'int(key) % 2 == 0'
//	flostream topology plantuml --filter 'true'
package pipeline
