// Package client provides the `flostream` command-line client.
//
// The commands talk to the HTTP gateway of a running server. The base URL
// is provided by the embedding binary through a BaseURLFunc; the standalone
// binary reads FLO_HTTP and defaults to http://127.0.0.1:8080.
//
// Usage
//
//	flostream log create --log shop/orders --partitions 4
//	flostream log append --log shop/orders --key o-1 --data '{"total":12}' --codec json
//	flostream log list
//	flostream log lag --log shop/orders --group billing
//
//	# Tail from the start, keeping only large orders, and commit the position
//	flostream log tail --log shop/orders --group audit --from earliest \
//	    --codec json --filter 'json.total > 10' --limit 5 --commit
//
//	flostream processor list
//	flostream processor lag --processor demo --computation C1
//	flostream queue cancel --queue mail --id w-42
//
// Notes
//
//   - tail starts from the group's committed position unless --from is
//     earliest or latest. --filter takes a CEL expression over key, data,
//     text, json, headers, watermark and ts_ms.
//   - append sends --data as raw bytes; the server encodes it with --codec,
//     or with the codec already used for the log.
package client
