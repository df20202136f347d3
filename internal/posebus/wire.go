// Package posebus implements the position-broadcast protocol: a Server that
// owns the authoritative latest-pose table for one tracking source and
// republishes coalesced snapshots over a websocket fan-out, and a Client
// that mirrors the table and answers synchronous latest-transform queries.
package posebus

import (
	"encoding/json"
	"fmt"

	"github.com/cortexnav/neuronav/internal/track"
)

// Endpoint paths shared by server and client. The stream endpoint carries
// the one-directional snapshot fan-out; the rest form the small command
// surface (source-type query, synchronous latest-pose query, forced
// republish, liveness ping).
const (
	StreamPath    = "/v1/poses/stream"
	SourcePath    = "/v1/source"
	LatestPath    = "/v1/poses/latest"
	RepublishPath = "/v1/poses/republish"
	HealthPath    = "/v1/healthz"
)

// sourceInfo is the body of the source-type query response.
type sourceInfo struct {
	Type string `json:"type"`
}

// encodePoses serializes a whole latest-pose table as one wire message:
// a JSON object mapping tool key to {"time": t, "transform": [16]float64}
// with null for an invisible transform or an empty slot.
func encodePoses(m track.PoseMap) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode poses: %w", err)
	}
	return data, nil
}

// decodePoses parses one wire message into a freshly allocated table.
func decodePoses(data []byte) (track.PoseMap, error) {
	m := make(track.PoseMap)
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode poses: %w", err)
	}
	return m, nil
}
