package main

import (
	"log/slog"
	"net/url"

	"github.com/rickgao/streamsub/internal/api"
	"github.com/rickgao/streamsub/internal/config"
	"github.com/rickgao/streamsub/internal/model"
	"github.com/rickgao/streamsub/internal/stream"
	"github.com/rickgao/streamsub/internal/subscription"
)

// subscribeAll registers every configured subscription, logging results.
func subscribeAll(client *stream.Client, subs []config.SubscriptionConfig, apiClient *api.Client, logger *slog.Logger) []*stream.Handle {
	handles := make([]*stream.Handle, 0, len(subs))
	for _, sc := range subs {
		req := model.Request{Method: sc.Method, Params: sc.Params}
		var unsub model.Request
		if sc.Unsubscribe != "" {
			unsub = model.Request{Method: sc.Unsubscribe, Params: sc.Params}
		}

		h := client.SubscribeWithUnsubscribe(req, unsub,
			logResult(logger.With("subscription", sc.Name)),
			buildMatch(sc),
			buildFetch(sc, apiClient),
		)
		logger.Info("subscribed", "name", sc.Name, "id", h.ID(), "pollable", sc.Poll != nil)
		handles = append(handles, h)
	}
	return handles
}

// buildMatch combines the configured stream and field conditions. Listed
// streams are alternatives; stream and field conditions must all hold.
// With no conditions every payload matches.
func buildMatch(sc config.SubscriptionConfig) subscription.MatchFunc {
	var fns []subscription.MatchFunc

	var streams []subscription.MatchFunc
	if sc.Stream != "" {
		streams = append(streams, subscription.StreamEquals(sc.Stream))
	}
	for _, name := range sc.Streams {
		streams = append(streams, subscription.StreamEquals(name))
	}
	switch len(streams) {
	case 0:
	case 1:
		fns = append(fns, streams[0])
	default:
		fns = append(fns, subscription.Any(streams...))
	}

	if sc.Field != "" {
		if sc.Value != "" {
			fns = append(fns, subscription.FieldEquals(sc.Field, sc.Value))
		} else {
			fns = append(fns, subscription.FieldExists(sc.Field))
		}
	}

	if len(fns) == 1 {
		return fns[0]
	}
	return subscription.All(fns...)
}

// buildFetch returns the REST fallback, or nil when none is configured.
func buildFetch(sc config.SubscriptionConfig, apiClient *api.Client) subscription.FetchFunc {
	if sc.Poll == nil || apiClient == nil {
		return nil
	}
	q := url.Values{}
	for k, v := range sc.Poll.Query {
		q.Set(k, v)
	}
	return apiClient.PollFunc(sc.Poll.Path, q, sc.Stream)
}

func logResult(logger *slog.Logger) subscription.ResultFunc {
	return func(err error, p *model.Payload) {
		if err != nil {
			logger.Warn("subscription error", "error", err)
			return
		}
		logger.Debug("payload",
			"stream", p.Stream,
			"source", p.Source,
			"size", len(p.Data),
		)
	}
}
