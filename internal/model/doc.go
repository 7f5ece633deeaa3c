// Package model defines the data types shared by the subscription client.
//
// Conventions:
//   - Frames are UTF-8 JSON objects, kept as raw bytes and inspected with gjson
//   - Outbound requests carry a numeric "id" assigned by the registry
//   - A frame with an "error" member (any value, null included) is a failure
//   - Payload IDs are uuid.UUID so recorded rows can be deduplicated
package model
