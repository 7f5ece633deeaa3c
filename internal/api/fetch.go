package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rickgao/streamsub/internal/model"
)

// frame mirrors the shape of a pushed stream frame so polled and pushed
// payloads match the same predicates.
type frame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// FetchPayload GETs path and decodes the body as a poll payload tagged with
// stream. A body carrying an "error" member is decoded as-is so the error
// reaches the subscriber; anything else is wrapped as {"stream", "data"}.
func (c *Client) FetchPayload(ctx context.Context, path string, query url.Values, stream string) (model.Payload, error) {
	body, err := c.GetRaw(ctx, path, query)
	if err != nil {
		return model.Payload{}, err
	}
	if !gjson.ValidBytes(body) {
		return model.Payload{}, fmt.Errorf("decode %s: %w", path, model.ErrInvalidFrame)
	}

	root := gjson.ParseBytes(body)
	data := body
	if !root.IsObject() || !root.Get("error").Exists() {
		data, err = json.Marshal(frame{Stream: stream, Data: body})
		if err != nil {
			return model.Payload{}, fmt.Errorf("wrap %s: %w", path, err)
		}
	}

	p, err := model.Decode(data, model.SourcePoll, time.Now())
	if err != nil {
		return model.Payload{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if p.Stream == "" {
		p.Stream = stream
	}
	return p, nil
}

// PollFunc returns a fetch function suitable for a subscription's
// fallback. Each call performs one FetchPayload.
func (c *Client) PollFunc(path string, query url.Values, stream string) func(ctx context.Context) (model.Payload, error) {
	return func(ctx context.Context) (model.Payload, error) {
		return c.FetchPayload(ctx, path, query, stream)
	}
}
